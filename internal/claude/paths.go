package claude

import (
	"os"
	"path/filepath"
	"strings"
)

// EncodeProjectDir maps a working directory to the CLI's per-project log
// directory name: every path separator and dot becomes a dash, leading
// separator included, so "/work/repo" encodes to "-work-repo".
//
// The CLI has shipped a second variant that strips one leading separator
// first; this reader deliberately supports only the dash-preserving scheme.
func EncodeProjectDir(workDir string) string {
	encoded := strings.ReplaceAll(workDir, string(filepath.Separator), "-")
	encoded = strings.ReplaceAll(encoded, ".", "-")
	return encoded
}

// ProjectsRoot returns the root directory holding per-project session logs.
func ProjectsRoot() (string, error) {
	if root := os.Getenv("CLAUDE_CONFIG_DIR"); root != "" {
		return filepath.Join(root, "projects"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude", "projects"), nil
}

// SessionLogPath returns the on-disk log file for one conversation.
func SessionLogPath(workDir, sessionID string) (string, error) {
	root, err := ProjectsRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, EncodeProjectDir(workDir), sessionID+".jsonl"), nil
}
