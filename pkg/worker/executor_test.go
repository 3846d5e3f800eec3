package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/nightowl/pkg/probe"
)

func TestExecutor_ProbeHTTPUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewExecutor("w1", "us-east-1")
	res := e.Execute(context.Background(), probe.Command{
		Command: "check_service_once",
		Data:    probe.CommandData{ServiceID: "s1", NestID: "n1", Type: probe.TypeWeb, Target: srv.URL, CacheKey: "ck"},
	})
	assert.Equal(t, probe.StatusUp, res.Status)
	require.NotNil(t, res.ResponseTime)
}

func TestExecutor_ProbeHTTPUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewExecutor("w1", "us-east-1")
	res := e.Execute(context.Background(), probe.Command{
		Data: probe.CommandData{ServiceID: "s1", Type: probe.TypeWeb, Target: srv.URL},
	})
	assert.Equal(t, probe.StatusDown, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestExecutor_ProbeHTTPUnreachable(t *testing.T) {
	e := NewExecutor("w1", "us-east-1")
	res := e.Execute(context.Background(), probe.Command{
		Data: probe.CommandData{ServiceID: "s1", Type: probe.TypeWeb, Target: "http://127.0.0.1:1"},
	})
	assert.Equal(t, probe.StatusDown, res.Status)
}

func TestExecutor_UnknownTypeReportsDown(t *testing.T) {
	e := NewExecutor("w1", "us-east-1")
	res := e.Execute(context.Background(), probe.Command{
		Data: probe.CommandData{ServiceID: "s1", Type: "bogus"},
	})
	assert.Equal(t, probe.StatusDown, res.Status)
	assert.Contains(t, res.Error, "unknown service type")
}

func TestExecutor_RunAllReturnsAllResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewExecutor("w1", "us-east-1")
	cmds := []probe.Command{
		{Data: probe.CommandData{ServiceID: "s1", Type: probe.TypeWeb, Target: srv.URL}},
		{Data: probe.CommandData{ServiceID: "s2", Type: probe.TypeWeb, Target: srv.URL}},
	}
	results := e.RunAll(context.Background(), cmds)
	assert.Len(t, results, 2)
}
