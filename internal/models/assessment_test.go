package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAssessmentDeriveFinalScorePrefersHuman(t *testing.T) {
	machine := 70.0
	human := 88.0

	assessment := Assessment{MachineScore: &machine}
	require.Equal(t, 70.0, *assessment.DeriveFinalScore())

	assessment.HumanScore = &human
	require.Equal(t, 88.0, *assessment.DeriveFinalScore())

	require.Nil(t, Assessment{}.DeriveFinalScore())
}

func TestAssessmentHasMachineScore(t *testing.T) {
	score := 60.0
	now := time.Now()

	require.False(t, Assessment{}.HasMachineScore())
	require.False(t, Assessment{MachineScore: &score}.HasMachineScore())
	require.True(t, Assessment{MachineScore: &score, MachineScoredAt: &now}.HasMachineScore())
}

func TestRubricCriterionNamesKeepsOrder(t *testing.T) {
	rubric := RubricDefinition{Criteria: []RubricCriterion{{Name: "Logic Flow"}, {Name: "Algorithm Efficiency"}}}
	require.Equal(t, []string{"Logic Flow", "Algorithm Efficiency"}, rubric.CriterionNames())
}
