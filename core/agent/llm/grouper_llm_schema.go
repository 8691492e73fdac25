package llm

const nullableString = `{"type": ["string", "null"]}`

// EntitySchema validates entity extraction output. A missing confidence
// decodes as 0.
var EntitySchema = MustCompileSchema("entity_extraction", `{
  "type": "object",
  "properties": {
    "project_name": `+nullableString+`,
    "address": {
      "type": ["object", "null"],
      "properties": {
        "full_address": `+nullableString+`,
        "street": `+nullableString+`,
        "suburb": `+nullableString+`,
        "state": `+nullableString+`,
        "postcode": `+nullableString+`
      }
    },
    "job_numbers": {"type": ["array", "null"], "items": {"type": "string"}},
    "client_info": {
      "type": ["object", "null"],
      "properties": {
        "name": `+nullableString+`,
        "email": `+nullableString+`,
        "phone": `+nullableString+`,
        "company": `+nullableString+`
      }
    },
    "project_type": `+nullableString+`,
    "key_dates": {
      "type": ["object", "null"],
      "properties": {
        "start_date": `+nullableString+`,
        "deadline": `+nullableString+`,
        "meeting_date": `+nullableString+`
      }
    },
    "project_keywords": {"type": ["array", "null"], "items": {"type": "string"}},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning": `+nullableString+`
  }
}`)

// SimilaritySchema validates pairwise similarity output.
var SimilaritySchema = MustCompileSchema("content_similarity", `{
  "type": "object",
  "required": ["same_project", "confidence"],
  "properties": {
    "same_project": {"type": "boolean"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "matching_indicators": {
      "type": ["object", "null"],
      "additionalProperties": `+nullableString+`
    },
    "suggested_project_name": `+nullableString+`,
    "reasoning": `+nullableString+`
  }
}`)
