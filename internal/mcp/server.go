package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ldi/foreman/internal/db"
	"github.com/ldi/foreman/internal/graph"
	"github.com/ldi/foreman/internal/scheduler"
	"github.com/ldi/foreman/pkg/models"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates a new MCP server.
func NewServer(database *db.DB) *server.MCPServer {
	s := server.NewMCPServer("Foreman", "0.1.0")

	// Feature Management
	s.AddTool(mcp.NewTool("create_feature",
		mcp.WithDescription("Propose a new feature. Changes are staged and must be committed to take effect."),
		mcp.WithString("name", mcp.Description("Feature name (max 55 chars, unique)"), mcp.Required()),
		mcp.WithString("description", mcp.Description("Feature description"), mcp.Required()),
		mcp.WithString("specification", mcp.Description("Feature specification"), mcp.Required()),
		mcp.WithNumber("priority", mcp.Description("Priority (1=highest, 3=lowest, default 2)")),
		mcp.WithString("branch_name", mcp.Description("Branch the feature is scoped to (assigned at first start if omitted)")),
		mcp.WithString("session_id", mcp.Description("Session ID for staging changes (defaults to 'default').")),
	), createFeatureHandler(database))

	s.AddTool(mcp.NewTool("update_feature",
		mcp.WithDescription("Update an existing feature."),
		mcp.WithString("name", mcp.Description("Feature name"), mcp.Required()),
		mcp.WithString("new_name", mcp.Description("New name")),
		mcp.WithString("description", mcp.Description("New description")),
		mcp.WithString("specification", mcp.Description("New specification")),
		mcp.WithNumber("priority", mcp.Description("New priority (1-3)")),
		mcp.WithString("branch_name", mcp.Description("New branch scope")),
	), updateFeatureHandler(database))

	s.AddTool(mcp.NewTool("delete_feature",
		mcp.WithDescription("Delete a feature (cascades to its dependency edges)."),
		mcp.WithString("name", mcp.Description("Feature name"), mcp.Required()),
	), deleteFeatureHandler(database))

	s.AddTool(mcp.NewTool("list_features",
		mcp.WithDescription("List features with an optional status filter."),
		mcp.WithString("status", mcp.Description("Filter by status (backlog|in_progress|waiting_approval|verified|completed)")),
	), listFeaturesHandler(database))

	s.AddTool(mcp.NewTool("get_feature",
		mcp.WithDescription("Get a single feature by name."),
		mcp.WithString("name", mcp.Description("Feature name"), mcp.Required()),
	), getFeatureHandler(database))

	s.AddTool(mcp.NewTool("set_feature_status",
		mcp.WithDescription("Move a feature through its lifecycle. Agents finishing implementation set waiting_approval; a human review sets verified or back to in_progress."),
		mcp.WithString("name", mcp.Description("Feature name"), mcp.Required()),
		mcp.WithString("status", mcp.Description("New status (backlog|in_progress|waiting_approval|verified|completed)"), mcp.Required()),
	), setFeatureStatusHandler(database))

	// Dependency Management
	s.AddTool(mcp.NewTool("create_dependency",
		mcp.WithDescription("Propose a dependency between two features. Changes are staged and must be committed to take effect."),
		mcp.WithString("feature_name", mcp.Description("Name of the dependent feature"), mcp.Required()),
		mcp.WithString("depends_on_feature_name", mcp.Description("Name of the prerequisite feature"), mcp.Required()),
		mcp.WithString("session_id", mcp.Description("Session ID for staging changes (defaults to 'default').")),
	), createDependencyHandler(database))

	s.AddTool(mcp.NewTool("delete_dependency",
		mcp.WithDescription("Remove a dependency."),
		mcp.WithString("feature_name", mcp.Description("Name of the dependent feature"), mcp.Required()),
		mcp.WithString("depends_on_feature_name", mcp.Description("Name of the prerequisite feature"), mcp.Required()),
	), deleteDependencyHandler(database))

	s.AddTool(mcp.NewTool("get_feature_dependencies",
		mcp.WithDescription("Get all features a feature depends on."),
		mcp.WithString("name", mcp.Description("Feature name"), mcp.Required()),
	), getFeatureDependenciesHandler(database))

	// Graph Queries
	s.AddTool(mcp.NewTool("get_dependency_report",
		mcp.WithDescription("Resolve the dependency graph: topological order, cycles, missing and blocking dependencies."),
	), getDependencyReportHandler(database))

	s.AddTool(mcp.NewTool("get_eligible_features",
		mcp.WithDescription("List backlog features runnable right now, priority ordered."),
		mcp.WithString("branch", mcp.Description("Branch to evaluate eligibility against (defaults to unscoped)")),
	), getEligibleFeaturesHandler(database))

	// Staging Management
	s.AddTool(mcp.NewTool("commit_staged_changes",
		mcp.WithDescription("Commit all staged changes for a session. This applies all proposed features and dependencies at once."),
		mcp.WithString("session_id", mcp.Description("Session ID (defaults to 'default').")),
	), commitStagedChangesHandler(database))

	s.AddTool(mcp.NewTool("list_staged_changes",
		mcp.WithDescription("List all staged changes for a session. Use this to review a proposed plan before committing."),
		mcp.WithString("session_id", mcp.Description("Session ID (defaults to 'default').")),
	), listStagedChangesHandler(database))

	return s
}

// Serve starts the MCP server on stdio.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func createFeatureHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := mcp.ParseString(request, "name", "")
		description := mcp.ParseString(request, "description", "")
		specification := mcp.ParseString(request, "specification", "")
		priority := mcp.ParseInt(request, "priority", models.PriorityDefault)
		branchName := mcp.ParseString(request, "branch_name", "")
		sessionID := mcp.ParseString(request, "session_id", "default")

		f := &models.Feature{
			Name:          name,
			Description:   description,
			Specification: specification,
			Priority:      priority,
			BranchName:    branchName,
		}

		database.Staging.AddFeature(sessionID, f)
		return mcp.NewToolResultText(fmt.Sprintf("Feature '%s' staged for session '%s'. Propose another or call 'commit_staged_changes' to apply.", name, sessionID)), nil
	}
}

func updateFeatureHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := mcp.ParseString(request, "name", "")

		f, err := database.GetFeatureByName(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if f == nil {
			return mcp.NewToolResultError(fmt.Sprintf("Feature with name '%s' not found", name)), nil
		}

		args, _ := request.Params.Arguments.(map[string]any)
		if newName, ok := args["new_name"].(string); ok {
			f.Name = newName
		}
		if description, ok := args["description"].(string); ok {
			f.Description = description
		}
		if specification, ok := args["specification"].(string); ok {
			f.Specification = specification
		}
		if priority, ok := args["priority"].(float64); ok {
			f.Priority = int(priority)
		}
		if branch, ok := args["branch_name"].(string); ok {
			f.BranchName = branch
		}

		if err := database.UpdateFeature(ctx, f); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText("Feature updated successfully"), nil
	}
}

func deleteFeatureHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := mcp.ParseString(request, "name", "")

		f, err := database.GetFeatureByName(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if f == nil {
			return mcp.NewToolResultError(fmt.Sprintf("Feature with name '%s' not found", name)), nil
		}

		if err := database.DeleteFeature(ctx, f.ID); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText("Feature deleted successfully"), nil
	}
}

func listFeaturesHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		var status *models.FeatureStatus
		if s, ok := args["status"].(string); ok && s != "" {
			fs := models.FeatureStatus(s)
			status = &fs
		}

		features, err := database.ListFeatures(ctx, status)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.Marshal(map[string]interface{}{"features": features})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(string(data)), nil
	}
}

func getFeatureHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := mcp.ParseString(request, "name", "")

		f, err := database.GetFeatureByName(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if f == nil {
			return mcp.NewToolResultError(fmt.Sprintf("Feature with name '%s' not found", name)), nil
		}

		data, err := json.Marshal(f)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(string(data)), nil
	}
}

func setFeatureStatusHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := mcp.ParseString(request, "name", "")
		status := mcp.ParseString(request, "status", "")

		f, err := database.GetFeatureByName(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if f == nil {
			return mcp.NewToolResultError(fmt.Sprintf("Feature with name '%s' not found", name)), nil
		}

		if err := database.SetFeatureStatus(ctx, f.ID, models.FeatureStatus(status)); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText("Feature status updated successfully"), nil
	}
}

func createDependencyHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		featureName := mcp.ParseString(request, "feature_name", "")
		dependsOnFeatureName := mcp.ParseString(request, "depends_on_feature_name", "")
		sessionID := mcp.ParseString(request, "session_id", "default")

		database.Staging.AddDependency(sessionID, &models.Dependency{
			FeatureName:          featureName,
			DependsOnFeatureName: dependsOnFeatureName,
		})
		return mcp.NewToolResultText(fmt.Sprintf("Dependency %s -> %s staged for session '%s'. Call 'commit_staged_changes' to apply.", featureName, dependsOnFeatureName, sessionID)), nil
	}
}

func deleteDependencyHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		featureName := mcp.ParseString(request, "feature_name", "")
		dependsOnFeatureName := mcp.ParseString(request, "depends_on_feature_name", "")

		featureID, err := resolveFeatureID(ctx, database, featureName)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		dependsOnFeatureID, err := resolveFeatureID(ctx, database, dependsOnFeatureName)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := database.DeleteDependency(ctx, featureID, dependsOnFeatureID); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText("Dependency deleted successfully"), nil
	}
}

func getFeatureDependenciesHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := mcp.ParseString(request, "name", "")

		featureID, err := resolveFeatureID(ctx, database, name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		deps, err := database.GetDependencies(ctx, featureID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.Marshal(map[string]interface{}{"dependencies": deps})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(string(data)), nil
	}
}

func getDependencyReportHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snapshot, err := database.Snapshot(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		report := graph.Resolve(snapshot)
		data, err := json.Marshal(report)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(string(data)), nil
	}
}

func getEligibleFeaturesHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		branch := mcp.ParseString(request, "branch", "")

		snapshot, err := database.Snapshot(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		report := graph.Resolve(snapshot)
		eligible := scheduler.Eligible(snapshot, nil, branch, report.Blocked, true)

		data, err := json.Marshal(map[string]interface{}{"features": eligible})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(string(data)), nil
	}
}

func commitStagedChangesHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := mcp.ParseString(request, "session_id", "default")
		if err := database.CommitBatch(ctx, sessionID); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Staged changes for session '%s' committed successfully", sessionID)), nil
	}
}

func listStagedChangesHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := mcp.ParseString(request, "session_id", "default")

		items := database.Staging.Peek(sessionID)
		data, err := json.Marshal(items)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(string(data)), nil
	}
}

func resolveFeatureID(ctx context.Context, database *db.DB, name string) (string, error) {
	f, err := database.GetFeatureByName(ctx, name)
	if err != nil {
		return "", err
	}
	if f == nil {
		return "", fmt.Errorf("feature with name '%s' not found", name)
	}
	return f.ID, nil
}
