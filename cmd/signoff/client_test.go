package main

import (
	"net/http"
	"testing"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		status int
		want   int
	}{
		{http.StatusOK, ExitSuccess},
		{http.StatusCreated, ExitSuccess},
		{http.StatusBadRequest, ExitFailure},
		{http.StatusNotFound, ExitFailure},
		{http.StatusInternalServerError, ExitFailure},
		{http.StatusUnauthorized, ExitRefused},
		{http.StatusForbidden, ExitRefused},
		{http.StatusConflict, ExitRefused},
		{http.StatusTooManyRequests, ExitRefused},
		{http.StatusServiceUnavailable, ExitUnavailable},
		{http.StatusGatewayTimeout, ExitUnavailable},
	}
	for _, tt := range tests {
		if got := exitCodeFor(tt.status); got != tt.want {
			t.Errorf("exitCodeFor(%d) = %d, want %d", tt.status, got, tt.want)
		}
	}
}

func TestRequestBody(t *testing.T) {
	got := requestBody("report-1", "", "")
	if len(got) != 1 || got["subject"] != "report-1" {
		t.Errorf("minimal body = %v", got)
	}

	got = requestBody("report-1", "alice", "canary green")
	if got["assigned_to"] != "alice" || got["note"] != "canary green" {
		t.Errorf("full body = %v", got)
	}
}
