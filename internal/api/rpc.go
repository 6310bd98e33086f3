package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/internal/hub"
)

// RPC method names accepted at /api/rpc.
const (
	rpcGetStatistics       = "get_statistics"
	rpcListArchived        = "list_archived"
	rpcGetItem             = "get_item"
	rpcSearchVectors       = "search_vectors"
	rpcListRecommendations = "list_recommendations"
	rpcSubmitRating        = "submit_rating"
	rpcExecuteTask         = "execute_task"
)

// rpcRequest is the named-call envelope: a method selector plus its
// method-specific arguments object.
type rpcRequest struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

type rpcResponse struct {
	OK     bool `json:"ok"`
	Result any  `json:"result,omitempty"`
}

func (r *Router) handleRPC(w http.ResponseWriter, req *http.Request) {
	var call rpcRequest
	if err := json.NewDecoder(req.Body).Decode(&call); err != nil {
		huberrors.New(huberrors.ErrorCodeValidationError, "Malformed RPC envelope", map[string]any{"cause": err.Error()}).WriteHTTPError(w)
		return
	}
	result, err := r.dispatch(req.Context(), &call)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{OK: true, Result: result})
}

func (r *Router) dispatch(ctx context.Context, call *rpcRequest) (any, error) {
	switch call.Method {
	case rpcGetStatistics:
		return r.hub.Statistics(), nil

	case rpcListArchived:
		var args hub.QueryFilter
		if err := decodeArgs(call.Args, &args); err != nil {
			return nil, err
		}
		items, total, err := r.hub.Query(ctx, args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"items": items, "total": total}, nil

	case rpcGetItem:
		var args struct {
			ID  string   `json:"id"`
			IDs []string `json:"ids"`
			DB  string   `json:"db"`
		}
		if err := decodeArgs(call.Args, &args); err != nil {
			return nil, err
		}
		if len(args.IDs) > 0 {
			return r.hub.GetMany(ctx, args.IDs, args.DB)
		}
		if args.ID == "" {
			return nil, huberrors.NewRequiredFieldError("id")
		}
		return r.hub.Get(ctx, args.ID, args.DB)

	case rpcSearchVectors:
		var args struct {
			Text           string  `json:"text"`
			InSummary      *bool   `json:"in_summary"`
			InFullText     *bool   `json:"in_fulltext"`
			TopN           int     `json:"top_n"`
			ScoreThreshold float64 `json:"score_threshold"`
		}
		if err := decodeArgs(call.Args, &args); err != nil {
			return nil, err
		}
		// Both collections are searched unless the caller narrows.
		inSummary, inFullText := true, true
		if args.InSummary != nil {
			inSummary = *args.InSummary
		}
		if args.InFullText != nil {
			inFullText = *args.InFullText
		}
		return r.hub.VectorSearch(ctx, args.Text, inSummary, inFullText, args.TopN, args.ScoreThreshold)

	case rpcListRecommendations:
		return r.hub.Recommendations(ctx)

	case rpcSubmitRating:
		var args struct {
			ID     string `json:"id"`
			Rating int    `json:"rating"`
		}
		if err := decodeArgs(call.Args, &args); err != nil {
			return nil, err
		}
		if args.ID == "" {
			return nil, huberrors.NewRequiredFieldError("id")
		}
		if err := r.hub.SubmitManualRating(ctx, args.ID, args.Rating); err != nil {
			return nil, err
		}
		return map[string]any{"id": args.ID, "rating": args.Rating}, nil

	case rpcExecuteTask:
		var args struct {
			Task string `json:"task"`
		}
		if err := decodeArgs(call.Args, &args); err != nil {
			return nil, err
		}
		if args.Task == "" {
			return nil, huberrors.NewRequiredFieldError("task")
		}
		if err := r.hub.ExecuteTask(args.Task); err != nil {
			return nil, err
		}
		return map[string]any{"task": args.Task, "status": "triggered"}, nil
	}

	return nil, huberrors.New(huberrors.ErrorCodeValidationError,
		fmt.Sprintf("Unknown RPC method '%s'", call.Method), nil)
}

func decodeArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return huberrors.New(huberrors.ErrorCodeValidationError, "Malformed RPC arguments", map[string]any{"cause": err.Error()})
	}
	return nil
}
