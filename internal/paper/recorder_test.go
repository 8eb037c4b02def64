package paper

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/execution"
)

func TestJSONLRecorder(t *testing.T) {
	tmp := t.TempDir()
	path := tmp + "/fills.jsonl"

	recorder, err := NewJSONLRecorder(path)
	if err != nil {
		t.Fatalf("NewJSONLRecorder error: %v", err)
	}
	fill := execution.Fill{Coin: "BNB", Side: execution.Buy, Qty: decimal.RequireFromString("0.123456789"), Price: decimal.NewFromInt(300)}
	recorder.Record(fill)
	if err := recorder.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open recorded file: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatalf("expected one line in recorder output")
	}
	var decoded execution.Fill
	if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
		t.Fatalf("json decode: %v", err)
	}
	if decoded.Coin != fill.Coin || decoded.Side != fill.Side || !decoded.Qty.Equal(fill.Qty) {
		t.Fatalf("unexpected decoded fill %+v", decoded)
	}
}
