package domain

import "time"

// DefaultTasks returns the starter set used to seed an empty board. Dates are
// spread over the days preceding now so the board reads naturally.
func DefaultTasks(now time.Time) []NewTask {
	day := func(offset int) string {
		return now.UTC().AddDate(0, 0, -offset).Format(DateLayout)
	}
	return []NewTask{
		{
			Title:       "Design new landing page",
			Description: "Refresh the hero section and pricing table for the spring campaign.",
			Priority:    PriorityHigh,
			Date:        day(6),
			Progress:    20,
			Category:    "Design",
			ColumnID:    ColumnTodo,
		},
		{
			Title:       "Set up CI pipeline",
			Description: "Run lint and unit tests on every pull request.",
			Priority:    PriorityMedium,
			Date:        day(5),
			Progress:    0,
			Category:    "Development",
			ColumnID:    ColumnTodo,
		},
		{
			Title:       "Onboarding screens",
			Description: "Three-step onboarding flow for the mobile app.",
			Priority:    PriorityLow,
			Date:        day(4),
			Progress:    10,
			Category:    "Mobile",
			ColumnID:    ColumnTodo,
		},
		{
			Title:       "Analytics widgets",
			Description: "Weekly active users and retention charts.",
			Priority:    PriorityMedium,
			Date:        day(3),
			Progress:    45,
			Category:    "Dashboard",
			ColumnID:    ColumnInProgress,
		},
		{
			Title:       "Newsletter draft",
			Description: "Announce the board features to existing customers.",
			Priority:    PriorityLow,
			Date:        day(2),
			Progress:    70,
			Category:    "Marketing",
			ColumnID:    ColumnInProgress,
		},
	}
}
