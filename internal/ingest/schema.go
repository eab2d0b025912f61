package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"sentiment-dispatcher/internal/apperr"
	"sentiment-dispatcher/internal/models"
)

const batchSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["reviews"],
  "properties": {
    "reviews": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["text", "movie_name"],
        "properties": {
          "text": {"type": "string", "pattern": "\\S"},
          "movie_name": {"type": "string", "pattern": "\\S"}
        }
      }
    }
  }
}`

var compileBatchSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("batch.json", strings.NewReader(batchSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile("batch.json")
})

type batchBody struct {
	Reviews []models.ReviewItem `json:"reviews"`
}

// DecodeBatch validates a POST /analyze body against the batch schema and returns its reviews.
func DecodeBatch(data []byte) ([]models.ReviewItem, error) {
	schema, err := compileBatchSchema()
	if err != nil {
		return nil, fmt.Errorf("compile batch schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, apperr.Validation("invalid JSON body: %v", err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, &apperr.Error{Kind: apperr.KindValidation, Message: "request body does not match schema", Detail: err.Error(), Cause: err}
	}
	var body batchBody
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&body); err != nil {
		return nil, apperr.Validation("invalid JSON body: %v", err)
	}
	for i := range body.Reviews {
		body.Reviews[i].Text = strings.TrimSpace(body.Reviews[i].Text)
		body.Reviews[i].Label = strings.TrimSpace(body.Reviews[i].Label)
	}
	return body.Reviews, nil
}
