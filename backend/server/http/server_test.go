package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/lan-conference/backend/model"
)

type statusStub struct {
	roster []model.RosterEntry
	files  []model.FileInfo
}

func (s statusStub) Roster() []model.RosterEntry { return s.roster }
func (s statusStub) Files() []model.FileInfo     { return s.files }

func newTestServer() *Server {
	logger := zerolog.Nop()
	return NewServer(Config{
		Logger: &logger,
		Service: statusStub{
			roster: []model.RosterEntry{
				{Username: "A", Video: true},
				{Username: "B", Audio: true},
			},
			files: []model.FileInfo{
				{Filename: "report.pdf", Size: 42, UploadedBy: "A", UploadedAt: time.Unix(1700000000, 0).UTC()},
			},
		},
	})
}

func do(t *testing.T, srv *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestStatusEndpoints(t *testing.T) {
	srv := newTestServer()

	type tc struct {
		name   string
		target string
		code   int
		check  func(t *testing.T, data json.RawMessage)
	}
	tests := []tc{
		{
			name:   "health",
			target: "/health",
			code:   http.StatusOK,
		},
		{
			name:   "participants",
			target: "/api/participants",
			code:   http.StatusOK,
			check: func(t *testing.T, data json.RawMessage) {
				var roster []model.RosterEntry
				require.NoError(t, json.Unmarshal(data, &roster))
				require.Len(t, roster, 2, spew.Sdump(roster))
				assert.Equal(t, "A", roster[0].Username)
				assert.True(t, roster[0].Video)
				assert.True(t, roster[1].Audio)
			},
		},
		{
			name:   "files",
			target: "/api/files",
			code:   http.StatusOK,
			check: func(t *testing.T, data json.RawMessage) {
				var files []model.FileInfo
				require.NoError(t, json.Unmarshal(data, &files))
				require.Len(t, files, 1, spew.Sdump(files))
				assert.Equal(t, "report.pdf", files[0].Filename)
				assert.EqualValues(t, 42, files[0].Size)
			},
		},
		{
			name:   "not found",
			target: "/api/rooms",
			code:   http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, http.MethodGet, tt.target)
			require.Equal(t, tt.code, w.Code)
			assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

			var resp struct {
				Message string          `json:"message"`
				Error   string          `json:"error"`
				Data    json.RawMessage `json:"data"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			if tt.code == http.StatusOK {
				assert.Equal(t, "OK", resp.Message)
			} else {
				assert.NotEmpty(t, resp.Error)
			}
			if tt.check != nil {
				tt.check(t, resp.Data)
			}
		})
	}
}

func TestPreflight(t *testing.T) {
	w := do(t, newTestServer(), http.MethodOptions, "/api/participants")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "GET")
}
