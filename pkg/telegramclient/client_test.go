package telegramclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCreateInvoiceLink_UsesStars(t *testing.T) {
	var got InvoiceLinkRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/createInvoiceLink" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":"https://t.me/$abc"}`))
	}))
	defer server.Close()

	link, err := NewClient(server.URL, "TOKEN", nil).CreateInvoiceLink(context.Background(), InvoiceLinkRequest{
		Title:   "Drop #7",
		Payload: `{"dropId":7,"quantity":2}`,
		Prices:  []LabeledPrice{{Label: "2 slots", Amount: 7000}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if link != "https://t.me/$abc" {
		t.Fatalf("unexpected link %q", link)
	}
	if got.Currency != CurrencyStars {
		t.Fatalf("expected XTR, got %q", got.Currency)
	}
	if len(got.Prices) != 1 || got.Prices[0].Amount != 7000 {
		t.Fatalf("unexpected prices %+v", got.Prices)
	}
}

func TestAnswerPreCheckoutQuery_RejectionCarriesMessage(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = nil
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "TOKEN", nil)
	if err := client.AnswerPreCheckoutQuery(context.Background(), "q1", false, "sold out"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["pre_checkout_query_id"] != "q1" || got["ok"] != false || got["error_message"] != "sold out" {
		t.Fatalf("unexpected payload %+v", got)
	}

	if err := client.AnswerPreCheckoutQuery(context.Background(), "q2", true, "ignored"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, present := got["error_message"]; present {
		t.Fatalf("accepted answer must not carry an error message: %+v", got)
	}
}

func TestCall_ReturnsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	}))
	defer server.Close()

	err := NewClient(server.URL, "TOKEN", nil).SendMessage(context.Background(), "1", "hi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Method != "sendMessage" || apiErr.ErrorCode != 400 {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestCall_ErrorDoesNotLeakToken(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "SECRET-TOKEN", nil)
	client.HTTPClient.Timeout = time.Second
	err := client.SendMessage(context.Background(), "1", "hi")
	if err == nil {
		t.Fatal("expected connection error")
	}
	if strings.Contains(err.Error(), "SECRET-TOKEN") {
		t.Fatalf("error leaks bot token: %v", err)
	}
}
