// Package reports renders the downloadable risk report.
package reports

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nelssec/ueba/internal/store"
)

const (
	topUserLimit     = 20
	recentWindow     = 7 * 24 * time.Hour
	recentLimit      = 25
	highRiskCutoff   = 70.0
	mediumRiskCutoff = 40.0
)

// Generator builds the risk snapshot PDF from current store state: top users
// by risk score, open anomaly counts per type, and the last week's findings.
type Generator struct {
	store  *store.Store
	logger *slog.Logger
}

func NewGenerator(st *store.Store, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{store: st, logger: logger}
}

func (g *Generator) RiskReport(ctx context.Context) ([]byte, error) {
	users, err := g.store.TopUsersByRisk(ctx, topUserLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("loading top users: %w", err)
	}
	typeCounts, err := g.store.OpenAnomalyCountsByType(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading anomaly counts: %w", err)
	}
	recent, err := g.store.RecentAnomalies(ctx, time.Now().Add(-recentWindow), recentLimit)
	if err != nil {
		return nil, fmt.Errorf("loading recent anomalies: %w", err)
	}
	totalUsers, err := g.store.CountUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting users: %w", err)
	}
	totalAnomalies, err := g.store.CountAnomalies(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting anomalies: %w", err)
	}

	report := NewPDFReport("User Behavior Risk Report")

	report.AddSection("Summary")
	openTotal := 0
	for _, tc := range typeCounts {
		openTotal += tc.Count
	}
	highRisk := 0
	for _, u := range users {
		if u.RiskScore >= highRiskCutoff {
			highRisk++
		}
	}
	report.AddSummaryTable(map[string]int{
		"Monitored Users": totalUsers,
		"Total Anomalies": totalAnomalies,
		"Open Anomalies":  openTotal,
		"High-Risk Users": highRisk,
		"Findings (7d)":   len(recent),
	})

	report.AddSection("Highest-Risk Users")
	if len(users) == 0 {
		report.AddParagraph("No users carry a risk score yet.")
	} else {
		rows := make([][]string, 0, len(users))
		for _, u := range users {
			rows = append(rows, []string{
				u.UID,
				fmt.Sprintf("%.2f", u.RiskScore),
				riskLabel(u.RiskScore),
				fmt.Sprintf("%d", u.AnomalyCount),
			})
		}
		report.AddTable([]string{"User", "Risk Score", "Level", "Anomalies"}, rows)
	}

	report.AddSection("Open Anomalies by Type")
	if len(typeCounts) == 0 {
		report.AddParagraph("No open anomalies.")
	} else {
		rows := make([][]string, 0, len(typeCounts))
		for _, tc := range typeCounts {
			rows = append(rows, []string{tc.Name, tc.Code, fmt.Sprintf("%d", tc.Count)})
		}
		report.AddTable([]string{"Type", "Code", "Open"}, rows)
	}

	report.AddSection("Recent Findings")
	if len(recent) == 0 {
		report.AddParagraph("No anomalies detected in the last 7 days.")
	} else {
		rows := make([][]string, 0, len(recent))
		for _, a := range recent {
			rows = append(rows, []string{
				a.UserUID,
				a.TypeCode,
				fmt.Sprintf("%.1f", a.Risk),
				string(a.Status),
				a.DetectedAt.Format("2006-01-02 15:04"),
			})
		}
		report.AddTable([]string{"User", "Type", "Risk", "Status", "Detected"}, rows)
	}

	out, err := report.Output()
	if err != nil {
		return nil, err
	}

	g.logger.Info("risk report generated",
		"users", len(users),
		"recent_anomalies", len(recent),
		"bytes", len(out))

	return out, nil
}

func riskLabel(score float64) string {
	switch {
	case score >= highRiskCutoff:
		return "High"
	case score >= mediumRiskCutoff:
		return "Medium"
	case score > 0:
		return "Low"
	default:
		return "None"
	}
}
