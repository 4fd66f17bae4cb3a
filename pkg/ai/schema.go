package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const scoringSchemaURL = "scoring-response.json"

const scoringSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["score", "feedback", "rubricScores", "confidence"],
  "properties": {
    "score": {"type": "number"},
    "confidence": {"type": "number"},
    "feedback": {
      "type": "object",
      "required": ["overall"],
      "properties": {
        "overall": {"type": "string"},
        "criteria": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name"],
            "properties": {
              "name": {"type": "string"},
              "feedback": {"type": "string"},
              "suggestions": {"type": "string"}
            }
          }
        }
      }
    },
    "rubricScores": {
      "type": "object",
      "additionalProperties": {"type": "number"}
    }
  }
}`

// compileScoringSchema builds the validator for backend responses.
func compileScoringSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(scoringSchemaURL, strings.NewReader(scoringSchema)); err != nil {
		return nil, fmt.Errorf("add scoring schema: %w", err)
	}
	schema, err := compiler.Compile(scoringSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile scoring schema: %w", err)
	}
	return schema, nil
}

// parseScoringResponse validates the raw JSON against the schema and decodes it.
func parseScoringResponse(schema *jsonschema.Schema, content string) (ScoringResult, error) {
	var document interface{}
	if err := json.Unmarshal([]byte(content), &document); err != nil {
		return ScoringResult{}, fmt.Errorf("parse scoring json: %w", err)
	}

	if err := schema.Validate(document); err != nil {
		return ScoringResult{}, fmt.Errorf("scoring response does not match schema: %w", err)
	}

	var result ScoringResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return ScoringResult{}, fmt.Errorf("decode scoring json: %w", err)
	}

	result.Score = clamp(result.Score, 0, 100)
	result.Confidence = clamp(result.Confidence, 0, 1)
	for name, value := range result.RubricScores {
		result.RubricScores[name] = clamp(value, 0, 100)
	}

	return result, nil
}
