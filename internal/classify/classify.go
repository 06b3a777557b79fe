// Package classify maps an executable to the runtime budget its watchdog
// enforces. Pure, no I/O.
package classify

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/kimiz-org/kimiz-sub002/internal/model"
)

// Budget picks the runtime limit for one launch. Matching is on the
// lowercased base name of the executable path:
//
//   - names containing "unins" are uninstall flows and never get a long
//     budget, even though "uninstall" contains "install"
//   - installer role, or names containing "setup"/"install", get the
//     installer budget
//   - interactive role, or any other .exe, gets the application budget
//   - everything else gets the default budget
func Budget(executable string, role model.RoleHint, s model.Settings) time.Duration {
	name := strings.ToLower(filepath.Base(executable))

	if strings.Contains(name, "unins") {
		return s.DefaultBudget
	}
	if role == model.RoleInstaller || strings.Contains(name, "setup") || strings.Contains(name, "install") {
		return s.InstallerBudget
	}
	if role == model.RoleInteractive || strings.HasSuffix(name, ".exe") {
		return s.ApplicationBudget
	}
	return s.DefaultBudget
}
