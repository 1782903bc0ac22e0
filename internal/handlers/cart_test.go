package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/bookline/api/internal/domain"
	"github.com/bookline/api/internal/services"
)

type stubCartService struct {
	getFunc     func(ctx context.Context, userID string) (services.Cart, error)
	replaceFunc func(ctx context.Context, cmd services.ReplaceCartItemsCommand) (services.Cart, error)
	clearFunc   func(ctx context.Context, userID string) error
}

func (s *stubCartService) GetCart(ctx context.Context, userID string) (services.Cart, error) {
	if s.getFunc == nil {
		return services.Cart{}, fmt.Errorf("unexpected GetCart call")
	}
	return s.getFunc(ctx, userID)
}

func (s *stubCartService) ReplaceItems(ctx context.Context, cmd services.ReplaceCartItemsCommand) (services.Cart, error) {
	if s.replaceFunc == nil {
		return services.Cart{}, fmt.Errorf("unexpected ReplaceItems call")
	}
	return s.replaceFunc(ctx, cmd)
}

func (s *stubCartService) Clear(ctx context.Context, userID string) error {
	if s.clearFunc == nil {
		return fmt.Errorf("unexpected Clear call")
	}
	return s.clearFunc(ctx, userID)
}

func newCartRouter(service services.CartService) chi.Router {
	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)
	return router
}

func TestCartHandlersGetCartSuccess(t *testing.T) {
	now := time.Date(2025, 4, 1, 9, 30, 0, 0, time.UTC)
	service := &stubCartService{
		getFunc: func(_ context.Context, userID string) (services.Cart, error) {
			if userID != "user_7" {
				t.Fatalf("unexpected user id %q", userID)
			}
			return services.Cart{
				UserID: "user_7",
				Items: []domain.CartItem{
					{ProductID: "bk_go", Quantity: 2, AddedAt: now},
					{ProductID: "bk_dist", Quantity: 1, IsEbook: true, AddedAt: now},
				},
				UpdatedAt: now,
			}, nil
		},
	}
	router := newCartRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/cart", "", "user_7"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp cartResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Cart.UserID != "user_7" || resp.Cart.ItemsCount != 2 {
		t.Fatalf("unexpected cart payload: %+v", resp.Cart)
	}
	if !resp.Cart.Items[1].IsEbook {
		t.Fatalf("expected second line to be an ebook: %+v", resp.Cart.Items)
	}
}

func TestCartHandlersReplaceItems(t *testing.T) {
	var captured services.ReplaceCartItemsCommand
	service := &stubCartService{
		replaceFunc: func(_ context.Context, cmd services.ReplaceCartItemsCommand) (services.Cart, error) {
			captured = cmd
			return services.Cart{UserID: cmd.UserID}, nil
		},
	}
	router := newCartRouter(service)

	body := `{"items":[{"product_id":"bk_go","quantity":2},{"product_id":"bk_dist","quantity":1,"is_ebook":true}]}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPut, "/cart/items", body, "user_7"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user_7" || len(captured.Items) != 2 {
		t.Fatalf("unexpected command: %+v", captured)
	}
	if captured.Items[0].ProductID != "bk_go" || captured.Items[0].Quantity != 2 {
		t.Fatalf("unexpected first item: %+v", captured.Items[0])
	}
}

func TestCartHandlersReplaceItemsUnknownProduct(t *testing.T) {
	service := &stubCartService{
		replaceFunc: func(context.Context, services.ReplaceCartItemsCommand) (services.Cart, error) {
			return services.Cart{}, fmt.Errorf("%w: bk_ghost", services.ErrCartUnknownProduct)
		},
	}
	router := newCartRouter(service)

	body := `{"items":[{"product_id":"bk_ghost","quantity":1}]}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPut, "/cart/items", body, "user_7"))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}

	var envelope map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if envelope["error"] != "unknown_product" {
		t.Fatalf("expected unknown_product code, got %v", envelope["error"])
	}
}

func TestCartHandlersClear(t *testing.T) {
	var clearedUser string
	service := &stubCartService{
		clearFunc: func(_ context.Context, userID string) error {
			clearedUser = userID
			return nil
		},
	}
	router := newCartRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodDelete, "/cart", "", "user_7"))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if clearedUser != "user_7" {
		t.Fatalf("expected clear for user_7, got %q", clearedUser)
	}
}

func TestCartHandlersRequireAuthentication(t *testing.T) {
	router := newCartRouter(&stubCartService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/cart", "", ""))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}
