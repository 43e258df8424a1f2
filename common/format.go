package common

import (
	"fmt"
	"sort"
	"strings"
)

// OperationDetail represents a single line of a per-file report
type OperationDetail struct {
	Message string
	Count   int
	IsRisky bool
}

// Report categories, in print order.
const (
	CategoryMethods = "METHODS"
	CategorySkipped = "SKIPPED"
	CategoryOutput  = "OUTPUT"
	CategoryOther   = "OTHER"
)

var categoryOrder = map[string]int{
	CategoryMethods: 0,
	CategorySkipped: 1,
	CategoryOutput:  2,
	CategoryOther:   3,
}

// FormatOperationResult formats a per-file report with consistent styling
func FormatOperationResult(title string, details []OperationDetail, categories map[string][]OperationDetail) string {
	if len(details) == 0 && len(categories) == 0 {
		return "No operations performed"
	}

	var result strings.Builder
	result.WriteString(title)

	if len(categories) > 0 {
		result.WriteString("\n")
		for _, category := range sortedCategories(categories) {
			categoryDetails := categories[category]
			if len(categoryDetails) == 0 {
				continue
			}

			var emoji string
			switch category {
			case CategoryMethods:
				emoji = "🔓"
			case CategorySkipped:
				emoji = "⏭️"
			case CategoryOutput:
				emoji = "💾"
			default:
				emoji = "🛠️"
			}

			result.WriteString(fmt.Sprintf("%s %s:\n", emoji, category))
			for _, detail := range categoryDetails {
				prefix := "   ✓ "
				if detail.IsRisky {
					prefix = "   ⚠️ "
				}
				result.WriteString(prefix + detail.Message + "\n")
			}
		}
	}

	if len(details) > 0 && len(categories) == 0 {
		for _, detail := range details {
			prefix := "✓ "
			if detail.IsRisky {
				prefix = "⚠️ "
			}
			result.WriteString("\n" + prefix + detail.Message)
		}
	}

	return strings.TrimSuffix(result.String(), "\n")
}

func sortedCategories(categories map[string][]OperationDetail) []string {
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		oi, iKnown := categoryOrder[names[i]]
		oj, jKnown := categoryOrder[names[j]]
		switch {
		case iKnown && jKnown:
			return oi < oj
		case iKnown != jKnown:
			return iKnown
		}
		return names[i] < names[j]
	})
	return names
}

// CategorizeDetails groups report lines by what they describe
func CategorizeDetails(details []OperationDetail) map[string][]OperationDetail {
	categories := make(map[string][]OperationDetail)

	for _, detail := range details {
		msg := strings.ToLower(detail.Message)
		var category string
		switch {
		case strings.Contains(msg, "dump") || strings.Contains(msg, "written"):
			category = CategoryOutput
		case detail.IsRisky || strings.Contains(msg, "skipped") || strings.Contains(msg, "mismatch"):
			category = CategorySkipped
		case strings.Contains(msg, "method") || strings.Contains(msg, "record"):
			category = CategoryMethods
		default:
			category = CategoryOther
		}
		categories[category] = append(categories[category], detail)
	}

	return categories
}
