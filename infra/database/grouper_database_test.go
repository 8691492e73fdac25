package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithSimpleProtocol(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no query", "postgres://u@h/db", "postgres://u@h/db?default_query_exec_mode=simple_protocol"},
		{"existing query", "postgres://u@h/db?sslmode=disable", "postgres://u@h/db?sslmode=disable&default_query_exec_mode=simple_protocol"},
		{"already set", "postgres://u@h/db?default_query_exec_mode=exec", "postgres://u@h/db?default_query_exec_mode=exec"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, withSimpleProtocol(tt.in))
		})
	}
}
