package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"sustainplate/internal/app"
)

func registerNotifications(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "The calling actor's notifications, newest first",
	}, func(ctx context.Context, input *struct {
		Unread bool `query:"unread"`
		Limit  int  `query:"limit" default:"50"`
	}) (*struct {
		Body notificationList `json:"body"`
	}, error) {
		actor, authErr := callerFromContext(ctx, rt)
		if authErr != nil {
			return nil, authErr
		}
		items, err := rt.Repo.ListNotifications(ctx, actor.ID, input.Unread, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body notificationList `json:"body"`
		}{Body: notificationList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "read-notification",
		Method:        http.MethodPost,
		Path:          "/notifications/{id}/read",
		Summary:       "Mark a notification read",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, authErr := callerFromContext(ctx, rt)
		if authErr != nil {
			return nil, authErr
		}
		if err := rt.Repo.MarkNotificationRead(ctx, input.ID, actor.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-all-notifications",
		Method:      http.MethodPost,
		Path:        "/notifications/read-all",
		Summary:     "Mark every notification read",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReadAllResponse `json:"body"`
	}, error) {
		actor, authErr := callerFromContext(ctx, rt)
		if authErr != nil {
			return nil, authErr
		}
		n, err := rt.Repo.MarkAllNotificationsRead(ctx, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReadAllResponse `json:"body"`
		}{Body: ReadAllResponse{Updated: n}}, nil
	})
}
