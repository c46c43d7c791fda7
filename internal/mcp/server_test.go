package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/ldi/foreman/internal/db"
	"github.com/ldi/foreman/pkg/models"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Init(context.Background()); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	return database
}

func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	tool := s.GetTool(name)
	if tool == nil {
		t.Fatalf("Tool %s not found", name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := tool.Handler(context.Background(), req)
	if err != nil {
		t.Fatalf("Handler %s failed: %v", name, err)
	}
	return result
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", result.Content[0])
	}
	return text.Text
}

func TestServerInitialization(t *testing.T) {
	database := openTestDB(t)

	s := NewServer(database)
	stdio := server.NewStdioServer(s)

	r, w := io.Pipe()
	stdout := &bytes.Buffer{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- stdio.Listen(ctx, r, stdout)
	}()

	initReq := mcp.InitializeRequest{}
	initReq.Method = "initialize"
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "test-client",
		Version: "1.0.0",
	}

	rawReq := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params":  initReq.Params,
	}

	data, err := json.Marshal(rawReq)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	w.Write(data)
	w.Write([]byte("\n"))

	time.Sleep(200 * time.Millisecond)

	if stdout.Len() == 0 {
		t.Fatal("Expected response from server, got none")
	}

	var resp struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Result  struct {
			ServerInfo struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}

	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v\nOutput: %s", err, stdout.String())
	}

	if resp.ID != 1 {
		t.Errorf("Expected id 1, got %v", resp.ID)
	}
	if resp.Result.ServerInfo.Name != "Foreman" {
		t.Errorf("Expected server name Foreman, got %v", resp.Result.ServerInfo.Name)
	}
}

func TestFeatureTools(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	s := NewServer(database)

	t.Run("create_and_commit", func(t *testing.T) {
		result := callTool(t, s, "create_feature", map[string]interface{}{
			"name":          "user-auth",
			"description":   "login flow",
			"specification": "sessions expire after 24h",
			"priority":      1.0,
		})
		if result.IsError {
			t.Fatalf("Tool returned error: %v", result.Content[0])
		}

		// Nothing persisted before commit.
		f, err := database.GetFeatureByName(ctx, "user-auth")
		if err != nil {
			t.Fatalf("Failed to query feature: %v", err)
		}
		if f != nil {
			t.Fatal("Feature persisted before commit_staged_changes")
		}

		result = callTool(t, s, "commit_staged_changes", map[string]interface{}{})
		if result.IsError {
			t.Fatalf("Commit failed: %v", result.Content[0])
		}

		f, err = database.GetFeatureByName(ctx, "user-auth")
		if err != nil {
			t.Fatalf("Failed to query feature: %v", err)
		}
		if f == nil {
			t.Fatal("Feature not found after commit")
		}
		if f.Priority != models.PriorityHighest {
			t.Errorf("Expected priority 1, got %d", f.Priority)
		}
	})

	t.Run("list_features", func(t *testing.T) {
		result := callTool(t, s, "list_features", map[string]interface{}{})
		if result.IsError {
			t.Fatalf("Tool returned error: %v", result.Content[0])
		}

		var resp struct {
			Features []interface{} `json:"features"`
		}
		if err := json.Unmarshal([]byte(resultText(t, result)), &resp); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}
		if len(resp.Features) != 1 {
			t.Errorf("Expected 1 feature, got %d", len(resp.Features))
		}
	})

	t.Run("set_feature_status", func(t *testing.T) {
		result := callTool(t, s, "set_feature_status", map[string]interface{}{
			"name":   "user-auth",
			"status": "in_progress",
		})
		if result.IsError {
			t.Fatalf("Tool returned error: %v", result.Content[0])
		}

		f, _ := database.GetFeatureByName(ctx, "user-auth")
		if f.Status != models.FeatureStatusInProgress {
			t.Errorf("Expected in_progress, got %s", f.Status)
		}
	})

	t.Run("set_feature_status_invalid_transition", func(t *testing.T) {
		result := callTool(t, s, "set_feature_status", map[string]interface{}{
			"name":   "user-auth",
			"status": "verified",
		})
		if !result.IsError {
			t.Error("Expected error for in_progress -> verified")
		}
	})

	t.Run("update_feature", func(t *testing.T) {
		result := callTool(t, s, "update_feature", map[string]interface{}{
			"name":        "user-auth",
			"description": "revised login flow",
		})
		if result.IsError {
			t.Fatalf("Tool returned error: %v", result.Content[0])
		}

		f, _ := database.GetFeatureByName(ctx, "user-auth")
		if f.Description != "revised login flow" {
			t.Errorf("Description not updated: %q", f.Description)
		}
	})

	t.Run("get_feature_not_found", func(t *testing.T) {
		result := callTool(t, s, "get_feature", map[string]interface{}{"name": "nope"})
		if !result.IsError {
			t.Error("Expected error for unknown feature")
		}
	})

	t.Run("delete_feature", func(t *testing.T) {
		result := callTool(t, s, "delete_feature", map[string]interface{}{"name": "user-auth"})
		if result.IsError {
			t.Fatalf("Tool returned error: %v", result.Content[0])
		}

		f, _ := database.GetFeatureByName(ctx, "user-auth")
		if f != nil {
			t.Error("Feature still present after delete")
		}
	})
}

func TestDependencyTools(t *testing.T) {
	database := openTestDB(t)
	s := NewServer(database)

	// Stage two features plus the edge between them in one batch.
	callTool(t, s, "create_feature", map[string]interface{}{
		"name": "schema", "description": "d", "specification": "s",
	})
	callTool(t, s, "create_feature", map[string]interface{}{
		"name": "api", "description": "d", "specification": "s",
	})
	callTool(t, s, "create_dependency", map[string]interface{}{
		"feature_name":            "api",
		"depends_on_feature_name": "schema",
	})

	result := callTool(t, s, "list_staged_changes", map[string]interface{}{})
	var staged struct {
		Features     []interface{} `json:"Features"`
		Dependencies []interface{} `json:"Dependencies"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &staged); err != nil {
		t.Fatalf("Failed to unmarshal staged changes: %v", err)
	}
	if len(staged.Features) != 2 || len(staged.Dependencies) != 1 {
		t.Fatalf("Expected 2 staged features and 1 dependency, got %d/%d", len(staged.Features), len(staged.Dependencies))
	}

	if result := callTool(t, s, "commit_staged_changes", map[string]interface{}{}); result.IsError {
		t.Fatalf("Commit failed: %v", result.Content[0])
	}

	result = callTool(t, s, "get_feature_dependencies", map[string]interface{}{"name": "api"})
	var deps struct {
		Dependencies []struct {
			Name string `json:"name"`
		} `json:"dependencies"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &deps); err != nil {
		t.Fatalf("Failed to unmarshal dependencies: %v", err)
	}
	if len(deps.Dependencies) != 1 || deps.Dependencies[0].Name != "schema" {
		t.Fatalf("Expected dependency on schema, got %+v", deps.Dependencies)
	}

	result = callTool(t, s, "delete_dependency", map[string]interface{}{
		"feature_name":            "api",
		"depends_on_feature_name": "schema",
	})
	if result.IsError {
		t.Fatalf("Delete failed: %v", result.Content[0])
	}
}

func TestGraphTools(t *testing.T) {
	database := openTestDB(t)
	s := NewServer(database)

	callTool(t, s, "create_feature", map[string]interface{}{
		"name": "schema", "description": "d", "specification": "s",
	})
	callTool(t, s, "create_feature", map[string]interface{}{
		"name": "api", "description": "d", "specification": "s", "branch_name": "feature/api",
	})
	callTool(t, s, "create_dependency", map[string]interface{}{
		"feature_name":            "api",
		"depends_on_feature_name": "schema",
	})
	callTool(t, s, "commit_staged_changes", map[string]interface{}{})

	t.Run("dependency_report", func(t *testing.T) {
		result := callTool(t, s, "get_dependency_report", map[string]interface{}{})
		if result.IsError {
			t.Fatalf("Tool returned error: %v", result.Content[0])
		}

		var report struct {
			Order   []struct{ Name string } `json:"Order"`
			Cycles  [][]string              `json:"Cycles"`
			Blocked map[string][]string     `json:"Blocked"`
		}
		if err := json.Unmarshal([]byte(resultText(t, result)), &report); err != nil {
			t.Fatalf("Failed to unmarshal report: %v", err)
		}
		if len(report.Order) != 2 {
			t.Errorf("Expected 2 features in order, got %d", len(report.Order))
		}
		if len(report.Cycles) != 0 {
			t.Errorf("Expected no cycles, got %v", report.Cycles)
		}
		if len(report.Blocked) != 1 {
			t.Errorf("Expected api blocked on schema, got %v", report.Blocked)
		}
	})

	t.Run("eligible_features", func(t *testing.T) {
		result := callTool(t, s, "get_eligible_features", map[string]interface{}{})
		if result.IsError {
			t.Fatalf("Tool returned error: %v", result.Content[0])
		}

		var resp struct {
			Features []struct {
				Name string `json:"name"`
			} `json:"features"`
		}
		if err := json.Unmarshal([]byte(resultText(t, result)), &resp); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}

		// schema is eligible; api is blocked and branch-scoped elsewhere.
		if len(resp.Features) != 1 || resp.Features[0].Name != "schema" {
			t.Errorf("Expected only schema eligible, got %+v", resp.Features)
		}
	})
}
