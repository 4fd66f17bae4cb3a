package models

// RubricDefinition is an ordered set of weighted criteria.
type RubricDefinition struct {
	Criteria []RubricCriterion `json:"criteria" validate:"required,min=1,dive"`
}

// RubricCriterion is a named, weighted scoring dimension with ordered levels.
type RubricCriterion struct {
	Name   string        `json:"name" validate:"required"`
	Weight float64       `json:"weight" validate:"gt=0"`
	Levels []RubricLevel `json:"levels" validate:"required,min=1,dive"`
}

// RubricLevel is one step on a criterion's scale.
type RubricLevel struct {
	Name        string  `json:"name" validate:"required"`
	Description string  `json:"description"`
	Points      float64 `json:"points" validate:"gte=0"`
}

// CriterionNames returns the criterion names in rubric order.
func (r RubricDefinition) CriterionNames() []string {
	names := make([]string, 0, len(r.Criteria))
	for _, criterion := range r.Criteria {
		names = append(names, criterion.Name)
	}
	return names
}
