package catalog

import (
	"fmt"
	"strings"

	"github.com/git-pkgs/purl"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
)

// ParsePackageFilter parses package selectors. A selector is a bare name, a
// "name@version" pair or a package URL such as "pkg:npm/%40scope/name@1.0.0".
// Maven package URLs map the group to the repository path layout.
func ParsePackageFilter(raw []string) (domain.PackageFilter, error) {
	filter := make(domain.PackageFilter, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		sel, err := parseSelector(s)
		if err != nil {
			return nil, err
		}
		filter = append(filter, sel)
	}
	return filter, nil
}

func parseSelector(s string) (domain.PackageSelector, error) {
	if strings.HasPrefix(s, "pkg:") {
		p, err := purl.Parse(s)
		if err != nil {
			return domain.PackageSelector{}, fmt.Errorf("invalid package url %q: %w", s, err)
		}
		return domain.PackageSelector{Name: purlName(p.Type, p.Namespace, p.Name), Version: p.Version}, nil
	}

	// The version separator is the last "@" that is not the npm scope marker.
	if idx := strings.LastIndex(s, "@"); idx > 0 {
		name, version := s[:idx], s[idx+1:]
		if name == "" || version == "" {
			return domain.PackageSelector{}, fmt.Errorf("invalid package selector %q", s)
		}
		return domain.PackageSelector{Name: name, Version: version}, nil
	}
	return domain.PackageSelector{Name: s}, nil
}

// purlName converts package URL coordinates to the name used in the source
// repository layout.
func purlName(typ, namespace, name string) string {
	if namespace == "" {
		return name
	}
	switch typ {
	case "maven":
		return strings.ReplaceAll(namespace, ".", "/") + "/" + name
	case "npm":
		if !strings.HasPrefix(namespace, "@") {
			namespace = "@" + namespace
		}
	}
	return namespace + "/" + name
}
