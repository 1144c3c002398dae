package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

func makePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return parsed, nil
}

func parseNullableTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || strings.TrimSpace(value.String) == "" {
		return nil, nil
	}
	parsed, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func marshalArtifacts(artifacts map[string]string) (string, error) {
	if len(artifacts) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(artifacts)
	if err != nil {
		return "", fmt.Errorf("marshal artifacts: %w", err)
	}
	return string(encoded), nil
}

func unmarshalArtifacts(encoded string) (map[string]string, error) {
	if strings.TrimSpace(encoded) == "" || encoded == "{}" {
		return map[string]string{}, nil
	}
	artifacts := map[string]string{}
	if err := json.Unmarshal([]byte(encoded), &artifacts); err != nil {
		return nil, fmt.Errorf("unmarshal artifacts: %w", err)
	}
	return artifacts, nil
}
