package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Finding is a detected secret, without the secret itself.
type Finding struct {
	RuleID   string
	RuleDesc string
	Line     int
}

var (
	detectorOnce sync.Once
	detector     *detect.Detector
	detectorErr  error
)

// DetectSecrets scans content with the default gitleaks rule set.
func DetectSecrets(content string) ([]Finding, error) {
	detectorOnce.Do(func() {
		detector, detectorErr = detect.NewDetectorDefaultConfig()
	})
	if detectorErr != nil {
		return nil, fmt.Errorf("secret detector unavailable: %w", detectorErr)
	}

	found := detector.DetectString(content)
	out := make([]Finding, 0, len(found))
	for _, f := range found {
		out = append(out, Finding{RuleID: f.RuleID, RuleDesc: f.Description, Line: f.StartLine})
	}
	return out, nil
}

// ScanSecrets returns a security error when content written to path contains a secret.
func ScanSecrets(path, content string) error {
	findings, err := DetectSecrets(content)
	if err != nil {
		return err
	}
	if len(findings) == 0 {
		return nil
	}
	rules := make([]string, 0, len(findings))
	for _, f := range findings {
		rules = append(rules, fmt.Sprintf("%s@%d", f.RuleID, f.Line))
	}
	return violation("secret_scan", "%s contains secrets (%s)", path, strings.Join(rules, ", "))
}
