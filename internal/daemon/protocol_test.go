package daemon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_JSON(t *testing.T) {
	req := Request{
		JSONRPC: "2.0",
		Method:  MethodQuery,
		Params: QueryParams{
			Query: "test query",
			Limit: 10,
		},
		ID: "req-1",
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded Request
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)

	assert.Equal(t, "2.0", decoded.JSONRPC)
	assert.Equal(t, MethodQuery, decoded.Method)
	assert.Equal(t, "req-1", decoded.ID)
}

func TestResponse_Success(t *testing.T) {
	results := []QueryResult{
		{Path: "/test.go", StartLine: 10, Score: 0.95},
	}

	resp := NewSuccessResponse("req-1", QueryResponse{Results: results})

	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, "req-1", resp.ID)
	assert.NotNil(t, resp.Result)
	assert.Nil(t, resp.Error)
}

func TestResponse_Error(t *testing.T) {
	resp := NewErrorResponse("req-1", ErrCodeInvalidParams, "invalid query")

	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, "req-1", resp.ID)
	assert.Nil(t, resp.Result)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
	assert.Equal(t, "invalid query", resp.Error.Message)
}

func TestQueryParams_Validate(t *testing.T) {
	tests := []struct {
		name       string
		params     QueryParams
		wantErr    bool
		wantLimit  int
	}{
		{
			name:      "valid params",
			params:    QueryParams{Query: "test", Limit: 10},
			wantErr:   false,
			wantLimit: 10,
		},
		{
			name:    "empty query",
			params:  QueryParams{Query: ""},
			wantErr: true,
		},
		{
			name:      "negative limit uses default",
			params:    QueryParams{Query: "test", Limit: -1},
			wantErr:   false,
			wantLimit: 10,
		},
		{
			name:      "zero limit uses default",
			params:    QueryParams{Query: "test"},
			wantErr:   false,
			wantLimit: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.params
			err := p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.wantLimit, p.Limit)
			}
		})
	}
}

func TestQueryResult_JSON(t *testing.T) {
	result := QueryResult{
		Path:      "/path/to/file.go",
		StartLine: 42,
		EndLine:   50,
		Score:     0.89,
		Content:   "func TestSomething() {",
		Language:  "go",
		Source:    "both",
	}

	data, err := json.Marshal(result)
	require.NoError(t, err)

	var decoded QueryResult
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)

	assert.Equal(t, result.Path, decoded.Path)
	assert.Equal(t, result.StartLine, decoded.StartLine)
	assert.Equal(t, result.EndLine, decoded.EndLine)
	assert.InDelta(t, result.Score, decoded.Score, 0.001)
	assert.Equal(t, result.Content, decoded.Content)
	assert.Equal(t, result.Language, decoded.Language)
	assert.Equal(t, result.Source, decoded.Source)
}

func TestTiming_JSON(t *testing.T) {
	timing := Timing{HNSWSearchMS: 1.2, VectorSearchMS: 3.4, TotalMS: 5.1, CacheHit: true}

	data, err := json.Marshal(timing)
	require.NoError(t, err)

	var decoded Timing
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.InDelta(t, timing.TotalMS, decoded.TotalMS, 0.001)
	assert.True(t, decoded.CacheHit)
}

func TestIndexParams_Validate(t *testing.T) {
	p := IndexParams{}
	assert.Error(t, p.Validate())

	p.InputPath = "/tmp/records.jsonl"
	assert.NoError(t, p.Validate())
}

func TestWatchStartParams_Validate(t *testing.T) {
	p := WatchStartParams{}
	assert.Error(t, p.Validate())

	p.Paths = []string{"/repo"}
	assert.NoError(t, p.Validate())
}

func TestCleanDataParams_Validate(t *testing.T) {
	p := CleanDataParams{}
	assert.Error(t, p.Validate())

	p.Collection = "default"
	assert.NoError(t, p.Validate())
}

func TestStatusResult_JSON(t *testing.T) {
	status := StatusResult{
		Running:        true,
		PID:            12345,
		Uptime:         "1h30m",
		EmbedderType:   "ollama",
		EmbedderStatus: "ready",
		CacheSize:      42,
		TTLMinutes:     10,
		AccessCount:    7,
	}

	data, err := json.Marshal(status)
	require.NoError(t, err)

	var decoded StatusResult
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)

	assert.Equal(t, status.Running, decoded.Running)
	assert.Equal(t, status.PID, decoded.PID)
	assert.Equal(t, status.Uptime, decoded.Uptime)
	assert.Equal(t, status.EmbedderType, decoded.EmbedderType)
	assert.Equal(t, status.EmbedderStatus, decoded.EmbedderStatus)
	assert.Equal(t, status.CacheSize, decoded.CacheSize)
	assert.Equal(t, status.AccessCount, decoded.AccessCount)
}

func TestMethodConstants(t *testing.T) {
	assert.Equal(t, "query", MethodQuery)
	assert.Equal(t, "query_fts", MethodQueryFTS)
	assert.Equal(t, "query_hybrid", MethodQueryHybrid)
	assert.Equal(t, "index", MethodIndex)
	assert.Equal(t, "watch_start", MethodWatchStart)
	assert.Equal(t, "watch_stop", MethodWatchStop)
	assert.Equal(t, "watch_status", MethodWatchStatus)
	assert.Equal(t, "clean", MethodClean)
	assert.Equal(t, "clean_data", MethodCleanData)
	assert.Equal(t, "status", MethodStatus)
	assert.Equal(t, "clear_cache", MethodClearCache)
	assert.Equal(t, "shutdown", MethodShutdown)
	assert.Equal(t, "ping", MethodPing)
}

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, -32700, ErrCodeParseError)
	assert.Equal(t, -32600, ErrCodeInvalidRequest)
	assert.Equal(t, -32601, ErrCodeMethodNotFound)
	assert.Equal(t, -32602, ErrCodeInvalidParams)
	assert.Equal(t, -32603, ErrCodeInternalError)

	assert.Equal(t, -32001, ErrCodeProjectNotIndexed)
	assert.Equal(t, -32002, ErrCodeSearchFailed)
	assert.Equal(t, -32003, ErrCodeIndexFailed)
	assert.Equal(t, -32004, ErrCodeWatchFailed)
}
