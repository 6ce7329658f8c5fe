package swarm

import (
	"path/filepath"
	"strings"

	"swarmd/internal/domain"
)

// CwdPolicy validates and normalizes working-directory requests against an
// allow-list of roots. Validation is lexical; the directory need not exist.
type CwdPolicy struct {
	roots []string
}

// NewCwdPolicy builds a policy from allow-list roots. Relative roots are
// resolved against base; an empty allow-list permits only base itself.
func NewCwdPolicy(base string, roots []string) *CwdPolicy {
	cleaned := make([]string, 0, len(roots)+1)
	for _, r := range roots {
		if r == "" {
			continue
		}
		if !filepath.IsAbs(r) {
			r = filepath.Join(base, r)
		}
		cleaned = append(cleaned, filepath.Clean(r))
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, filepath.Clean(base))
	}
	return &CwdPolicy{roots: cleaned}
}

// Validate normalizes cwd and checks it sits under an allowed root.
// An empty cwd resolves to the first allowed root.
func (p *CwdPolicy) Validate(cwd string) (string, error) {
	if strings.TrimSpace(cwd) == "" {
		return p.roots[0], nil
	}
	if !filepath.IsAbs(cwd) {
		return "", domain.NewDomainError("CwdPolicy.Validate", domain.ErrInvalidInput, "cwd must be absolute: "+cwd)
	}
	clean := filepath.Clean(cwd)
	for _, root := range p.roots {
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return clean, nil
		}
	}
	return "", domain.NewDomainError("CwdPolicy.Validate", domain.ErrInvalidInput, "cwd outside allowed roots: "+clean)
}
