package skill

import (
	"fmt"
	"os"
	"path/filepath"
)

// ValidateSkillFile checks a SKILL.md file against the frontmatter
// constraints the index enforces at load time, without registering it.
func ValidateSkillFile(skillFile string) error {
	raw, err := os.ReadFile(skillFile)
	if err != nil {
		return err
	}
	_, _, _, err = parseSkillMarkdown(skillFile, string(raw))
	return err
}

// ValidateSkillDir validates the SKILL.md inside a skill directory.
func ValidateSkillDir(skillDir string) error {
	return ValidateSkillFile(filepath.Join(skillDir, "SKILL.md"))
}

// ExplainValidationError renders a validation failure for CLI display,
// returning "" for a nil error so callers can print it unconditionally.
func ExplainValidationError(skillPath string, err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", skillPath, err)
}
