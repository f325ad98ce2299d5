package services

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"gorm.io/gorm"

	"github.com/charlesng35/accesscore/internal/models"
)

const (
	maxSlugLength = 48
	fallbackSlug  = "org"
)

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}

// slugify lower-cases name, collapses every run of non-alphanumerics into a
// single hyphen and caps the result at maxSlugLength.
func slugify(name string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}

	slug := b.String()
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	return slug
}

// uniqueSlugTx returns base, or base-N with the smallest N >= 1 not yet taken.
// Soft-deleted organizations keep their slug reserved.
func uniqueSlugTx(tx *gorm.DB, base string) (string, error) {
	if base == "" {
		base = fallbackSlug
	}

	var taken []string
	if err := tx.Unscoped().Model(&models.Organization{}).
		Where("slug = ? OR slug LIKE ?", base, base+"-%").
		Pluck("slug", &taken).Error; err != nil {
		return "", fmt.Errorf("load slugs: %w", err)
	}

	used := make(map[string]struct{}, len(taken))
	for _, slug := range taken {
		used[slug] = struct{}{}
	}
	if _, exists := used[base]; !exists {
		return base, nil
	}

	for n := 1; ; n++ {
		suffix := fmt.Sprintf("-%d", n)
		stem := base
		if len(stem)+len(suffix) > maxSlugLength {
			stem = strings.TrimRight(stem[:maxSlugLength-len(suffix)], "-")
		}
		candidate := stem + suffix
		if _, exists := used[candidate]; !exists {
			return candidate, nil
		}
	}
}
