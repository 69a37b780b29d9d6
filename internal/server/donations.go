package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"sustainplate/internal/app"
	"sustainplate/internal/domain"
	"sustainplate/internal/engine"
	"sustainplate/internal/repo"
)

type donationPath struct {
	ID string `path:"id"`
}

type donationBody struct {
	Body domain.Donation `json:"body"`
}

func registerDonations(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "list-donations",
		Method:      http.MethodGet,
		Path:        "/donations",
		Summary:     "List donations",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" enum:"listed,reserved,pickedUp,delivered"`
		DonorID     string `query:"donor_id"`
		ReservedBy  string `query:"reserved_by"`
		VolunteerID string `query:"volunteer_id"`
		Unassigned  bool   `query:"unassigned"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedDonations `json:"body"`
	}, error) {
		if _, authErr := callerFromContext(ctx, rt); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := rt.Engine.ListDonations(ctx, repo.DonationFilter{
			Status:          domain.Status(input.Status),
			DonorID:         input.DonorID,
			ReservedBy:      input.ReservedBy,
			VolunteerID:     input.VolunteerID,
			Unassigned:      input.Unassigned,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDonations{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedDonations `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-available-donations",
		Method:      http.MethodGet,
		Path:        "/donations/available",
		Summary:     "List donations open for reservation",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body donationList `json:"body"`
	}, error) {
		if _, authErr := callerFromContext(ctx, rt); authErr != nil {
			return nil, authErr
		}
		items, err := rt.Engine.ListAvailable(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body donationList `json:"body"`
		}{Body: donationList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-my-donations",
		Method:      http.MethodGet,
		Path:        "/me/donations",
		Summary:     "List the calling donor's donations",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body donationList `json:"body"`
	}, error) {
		actor, authErr := callerFromContext(ctx, rt)
		if authErr != nil {
			return nil, authErr
		}
		items, err := rt.Engine.ListDonorDonations(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body donationList `json:"body"`
		}{Body: donationList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reservations",
		Method:      http.MethodGet,
		Path:        "/reservations",
		Summary:     "List the calling NGO's reservations",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body donationList `json:"body"`
	}, error) {
		actor, authErr := callerFromContext(ctx, rt)
		if authErr != nil {
			return nil, authErr
		}
		items, err := rt.Engine.ListReservations(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body donationList `json:"body"`
		}{Body: donationList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-donation",
		Method:        http.MethodPost,
		Path:          "/donations",
		Summary:       "List a new donation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body DonationRequest `json:"body"`
	}) (*donationBody, error) {
		actor, authErr := callerFromContext(ctx, rt)
		if authErr != nil {
			return nil, authErr
		}
		d, err := rt.Engine.CreateDonation(ctx, actor, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &donationBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-donation",
		Method:      http.MethodGet,
		Path:        "/donations/{id}",
		Summary:     "Get a donation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *donationPath) (*donationBody, error) {
		if _, authErr := callerFromContext(ctx, rt); authErr != nil {
			return nil, authErr
		}
		d, err := rt.Engine.GetDonation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &donationBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-donation",
		Method:      http.MethodPatch,
		Path:        "/donations/{id}",
		Summary:     "Edit a donation while it is still listed",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DonationRequest `json:"body"`
	}) (*donationBody, error) {
		actor, authErr := callerFromContext(ctx, rt)
		if authErr != nil {
			return nil, authErr
		}
		d, err := rt.Engine.UpdateDonation(ctx, actor, input.ID, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &donationBody{Body: d}, nil
	})
}

func registerTransitions(api huma.API, rt *app.Runtime) {
	transitionErrors := []int{
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusServiceUnavailable,
	}

	huma.Register(api, huma.Operation{
		OperationID: "reserve-donation",
		Method:      http.MethodPost,
		Path:        "/donations/{id}/reserve",
		Summary:     "Reserve a listed donation for the calling NGO",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *donationPath) (*donationBody, error) {
		actor, authErr := callerFromContext(ctx, rt)
		if authErr != nil {
			return nil, authErr
		}
		d, err := rt.Engine.Reserve(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &donationBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-volunteer",
		Method:      http.MethodPost,
		Path:        "/donations/{id}/assign",
		Summary:     "Assign the calling volunteer and mark the donation picked up",
		Errors:      append([]int{http.StatusBadRequest}, transitionErrors...),
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *AssignRequest `json:"body"`
	}) (*donationBody, error) {
		actor, authErr := callerFromContext(ctx, rt)
		if authErr != nil {
			return nil, authErr
		}
		var pickup *time.Time
		if input.Body != nil && input.Body.PickupTime != nil && *input.Body.PickupTime != "" {
			t, err := time.Parse(time.RFC3339, *input.Body.PickupTime)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid pickup_time", map[string]any{"pickup_time": *input.Body.PickupTime})
			}
			pickup = &t
		}
		d, err := rt.Engine.AssignVolunteer(ctx, actor, input.ID, pickup)
		if err != nil {
			return nil, handleError(err)
		}
		return &donationBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-status",
		Method:      http.MethodPost,
		Path:        "/donations/{id}/status",
		Summary:     "Move a donation to the next status",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body AdvanceStatusRequest `json:"body"`
	}) (*donationBody, error) {
		actor, authErr := callerFromContext(ctx, rt)
		if authErr != nil {
			return nil, authErr
		}
		d, err := rt.Engine.AdvanceStatus(ctx, actor, input.ID, domain.Status(input.Body.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &donationBody{Body: d}, nil
	})
}

func registerTasks(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "available-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/available",
		Summary:     "Reserved donations waiting for a volunteer",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		actor, authErr := callerFromContext(ctx, rt)
		if authErr != nil {
			return nil, authErr
		}
		items, err := rt.Engine.AvailableTasks(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/mine",
		Summary:     "The calling volunteer's tasks",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		actor, authErr := callerFromContext(ctx, rt)
		if authErr != nil {
			return nil, authErr
		}
		items, err := rt.Engine.VolunteerTasks(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Items: nonNilSlice(items)}}, nil
	})
}

func registerStats(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Donation counts for the calling actor",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Stats `json:"body"`
	}, error) {
		actor, authErr := callerFromContext(ctx, rt)
		if authErr != nil {
			return nil, authErr
		}
		st, err := rt.Engine.Stats(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Stats `json:"body"`
		}{Body: st}, nil
	})
}
