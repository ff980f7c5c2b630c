package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は名前とラベルが一致するメトリクスを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func matchLabels(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// TestRecordSnapshot_CountsAndSize はスナップショット数と件数が記録されることを検証する。
func TestRecordSnapshot_CountsAndSize(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSnapshot("profiles", 3)
	c.RecordSnapshot("profiles", 5)
	c.RecordSnapshot("posts", 1)

	profiles := map[string]string{"mirror": "profiles"}
	if v := findMetric(t, reg, "uscout_mirror_snapshots_total", profiles).GetCounter().GetValue(); v != 2 {
		t.Errorf("snapshots_total{profiles} = %v, want 2", v)
	}
	if v := findMetric(t, reg, "uscout_mirror_documents", profiles).GetGauge().GetValue(); v != 5 {
		t.Errorf("mirror_documents{profiles} = %v, want 5", v)
	}
}

func TestRecordSubscriptionError(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSubscriptionError("threads")

	m := findMetric(t, reg, "uscout_subscription_errors_total", map[string]string{"mirror": "threads"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("subscription_errors_total = %v, want 1", v)
	}
}

func TestRecordMessageSent_Labels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMessageSent("direct", "atomic")
	c.RecordMessageSent("direct", "atomic")
	c.RecordMessageSent("broadcast", "replace")

	m := findMetric(t, reg, "uscout_chat_messages_sent_total", map[string]string{"thread_type": "direct", "mode": "atomic"})
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("messages_sent_total{direct,atomic} = %v, want 2", v)
	}
}

func TestRecordCommand_Labels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCommand("post.submit", "ok")
	c.RecordCommand("post.submit", "EMPTY_INPUT")

	m := findMetric(t, reg, "uscout_commands_total", map[string]string{"command": "post.submit", "result": "EMPTY_INPUT"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("commands_total{EMPTY_INPUT} = %v, want 1", v)
	}
}

func TestConnections_Gauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()

	if v := findMetric(t, reg, "uscout_realtime_connections", nil).GetGauge().GetValue(); v != 1 {
		t.Errorf("realtime_connections = %v, want 1", v)
	}
}

func TestRecordPushDelivery(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPushDelivery("delivered")
	c.RecordPushDelivery("offline")

	m := findMetric(t, reg, "uscout_push_deliveries_total", map[string]string{"result": "offline"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("push_deliveries_total{offline} = %v, want 1", v)
	}
}

// TestImportMetrics は取り込み関連のメトリクスが記録されることを検証する。
func TestImportMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordImportSuccess("src-1")
	c.RecordImportFailure("src-2", "timeout")
	c.RecordParseFailure("src-3")
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(404)
	c.RecordImportLatency(150 * time.Millisecond)
	c.RecordHighlightsImported(4)
	c.RecordHighlightsImported(3)

	if v := findMetric(t, reg, "uscout_import_success_total", nil).GetCounter().GetValue(); v != 1 {
		t.Errorf("import_success_total = %v, want 1", v)
	}
	if v := findMetric(t, reg, "uscout_import_fail_total", map[string]string{"reason": "timeout"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("import_fail_total{timeout} = %v, want 1", v)
	}
	if v := findMetric(t, reg, "uscout_parse_fail_total", nil).GetCounter().GetValue(); v != 1 {
		t.Errorf("parse_fail_total = %v, want 1", v)
	}
	if v := findMetric(t, reg, "uscout_http_status_total", map[string]string{"status_code": "200"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("http_status_total{200} = %v, want 2", v)
	}
	if v := findMetric(t, reg, "uscout_import_latency_seconds", nil).GetHistogram().GetSampleCount(); v != 1 {
		t.Errorf("import_latency sample count = %v, want 1", v)
	}
	if v := findMetric(t, reg, "uscout_highlights_imported_total", nil).GetCounter().GetValue(); v != 7 {
		t.Errorf("highlights_imported_total = %v, want 7", v)
	}
}

// TestMultipleCollectors_IndependentRegistries は別レジストリに登録してもパニックしないことを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()

	c1 := NewCollector(reg1)
	_ = NewCollector(reg2)

	c1.RecordImportSuccess("src")

	families, err := reg2.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "uscout_import_success_total" && mf.GetMetric()[0].GetCounter().GetValue() != 0 {
			t.Error("reg2 must not observe reg1's counter")
		}
	}
}
