package upbit

import (
	"testing"

	"github.com/google/uuid"

	"marketrelay/internal/models"
)

func TestBuildRequest(t *testing.T) {
	raw, err := BuildRequest(models.DomainOrderbook, []string{"KRW-BTC", "KRW-ETH"}, RequestOptions{IsOnlyRealtime: true})
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}

	var frame []map[string]interface{}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(frame) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(frame))
	}
	ticket, _ := frame[0]["ticket"].(string)
	if _, err := uuid.Parse(ticket); err != nil {
		t.Errorf("ticket %q is not a uuid: %v", ticket, err)
	}
	if frame[1]["type"] != "orderbook" {
		t.Errorf("type = %v", frame[1]["type"])
	}
	codes, _ := frame[1]["codes"].([]interface{})
	if len(codes) != 2 || codes[0] != "KRW-BTC" {
		t.Errorf("codes = %v", frame[1]["codes"])
	}
	if frame[1]["isOnlyRealtime"] != true || frame[1]["isOnlySnapshot"] != false {
		t.Errorf("unexpected flags: %v", frame[1])
	}
	if frame[2]["format"] != Format {
		t.Errorf("format = %v", frame[2]["format"])
	}
}

func TestBuildRequestFreshTicket(t *testing.T) {
	a, _ := BuildRequest(models.DomainTicker, []string{"KRW-BTC"}, RequestOptions{})
	b, _ := BuildRequest(models.DomainTicker, []string{"KRW-BTC"}, RequestOptions{})
	if string(a) == string(b) {
		t.Fatal("expected a new ticket per request")
	}
}

func TestBuildRequestRejects(t *testing.T) {
	if _, err := BuildRequest(models.DomainTrade, nil, RequestOptions{}); err == nil {
		t.Error("expected error without codes")
	}
	if _, err := BuildRequest(models.Domain(9), []string{"KRW-BTC"}, RequestOptions{}); err == nil {
		t.Error("expected error for unknown domain")
	}
}
