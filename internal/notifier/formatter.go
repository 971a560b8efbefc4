package notifier

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"OpportunitySwitch/internal/coordinator"
	"OpportunitySwitch/internal/ledger"
	"OpportunitySwitch/internal/model"
	"OpportunitySwitch/internal/recorder"
	"OpportunitySwitch/internal/tiered"
)

var eventTitles = map[string]string{
	recorder.EventOpportunityDetected: "🔎 <b>Opportunity detected</b>",
	recorder.EventOpportunityQueued:   "⏳ <b>Opportunity queued</b>",
	recorder.EventSwitchCompleted:     "✅ <b>Switch completed</b>",
	recorder.EventSwitchFailed:        "❌ <b>Switch failed</b>",
	recorder.EventMemoryProtected:     "🛡 <b>Memory operation protected</b>",
	recorder.EventMemorySacrificed:    "⚠️ <b>Memory operation sacrificed</b>",
}

// FormatEvent renders a recorder event as a Telegram message. Fields are
// listed in key order.
func FormatEvent(name string, fields recorder.Fields) string {
	var b strings.Builder
	title, ok := eventTitles[name]
	if !ok {
		title = "<b>" + html.EscapeString(name) + "</b>"
	}
	b.WriteString(title + "\n")

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("%s: %s\n", html.EscapeString(k), html.EscapeString(fmt.Sprint(fields[k]))))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatStatus summarises the coordinator and the ledger's working state.
func FormatStatus(st coordinator.Status, w ledger.Working) string {
	m := st.Metrics
	var b strings.Builder
	b.WriteString("📊 <b>Switch status</b>\n\n")
	b.WriteString(fmt.Sprintf("Active: %d/%d | Queued: %d\n", st.Active, st.Limit, st.Queued))
	b.WriteString(fmt.Sprintf("Switches: %d (ok %d, failed %d)\n", m.TotalSwitches, m.SuccessfulSwitches, m.FailedSwitches))
	if m.TotalSwitches > 0 {
		b.WriteString(fmt.Sprintf("Latency: avg %v, min %v, max %v\n", m.AvgLatency, m.MinLatency, m.MaxLatency))
	}
	b.WriteString(fmt.Sprintf("Dropped: %d | Drain passes: %d\n", m.Dropped, m.DrainPasses))
	b.WriteString(fmt.Sprintf("Profit: $%s\n", m.TotalProfitUSD.StringFixed(2)))

	if len(m.ByMode) > 0 {
		modes := make([]string, 0, len(m.ByMode))
		for mode, n := range m.ByMode {
			modes = append(modes, fmt.Sprintf("%s=%d", mode, n))
		}
		sort.Strings(modes)
		b.WriteString("Modes: " + strings.Join(modes, ", ") + "\n")
	}

	b.WriteString(fmt.Sprintf("\nSession: %d executions, %d announced, $%s\n",
		w.Executions, w.Announced, w.ProfitUSD.StringFixed(2)))
	return b.String()
}

// FormatQueue lists queued opportunities in drain order.
func FormatQueue(queued []model.Opportunity) string {
	if len(queued) == 0 {
		return "📭 Queue is empty"
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📬 <b>Queue</b> (%d)\n\n", len(queued)))
	for i, o := range queued {
		b.WriteString(fmt.Sprintf("%d. %s impact %.4f (%s)\n", i+1, html.EscapeString(o.Label()), o.PriceImpact, o.ImpactLevel))
	}
	return b.String()
}

// FormatTiers renders store statistics per tier.
func FormatTiers(s tiered.Stats) string {
	var b strings.Builder
	b.WriteString("🗄 <b>State tiers</b>\n\n")
	for _, tier := range model.Tiers {
		ts := s.Tiers[tier.String()]
		b.WriteString(fmt.Sprintf("%s: %d keys, %d bytes\n", tier, ts.Keys, ts.Bytes))
	}
	b.WriteString(fmt.Sprintf("\nSaves: %d | Loads: %d | Promoted: %d\n", s.Saves, s.Loads, s.Promoted))
	if s.Compressions > 0 {
		b.WriteString(fmt.Sprintf("Compressed: %d (avg ratio %.2f)\n", s.Compressions, s.AvgCompressionRatio))
	}
	b.WriteString(fmt.Sprintf("Preemptions: %d accepted, %d vetoed\n", s.PreemptionsAccepted, s.PreemptionsVetoed))
	return b.String()
}

// FormatHelp lists the supported commands.
func FormatHelp() string {
	return "Available commands:\n• /status\n• /queue\n• /tiers"
}
