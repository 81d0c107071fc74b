// Generates a synthetic activity log for exercising the detection engine.
// Most users behave normally; a handful are planted with after-hours
// activity, failed-login bursts and rapid IP jumps so every rule evaluator
// has something to find.
//
// Usage: go run scripts/generate_test_data.go [output.csv]
package main

import (
	"encoding/csv"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

const (
	userCount = 50
	days      = 7
)

type row struct {
	uid          string
	username     string
	email        string
	timestamp    time.Time
	activityType string
	sourceIP     string
}

type actor struct {
	uid      string
	username string
	email    string
	homeIP   string
}

func main() {
	output := "activity_log.csv"
	if len(os.Args) > 1 {
		output = os.Args[1]
	}

	faker := gofakeit.New(42)
	rng := rand.New(rand.NewSource(42))

	actors := make([]actor, userCount)
	for i := range actors {
		actors[i] = actor{
			uid:      fmt.Sprintf("U%04d", i+1),
			username: faker.Username(),
			email:    faker.Email(),
			homeIP:   faker.IPv4Address(),
		}
	}

	start := time.Now().UTC().AddDate(0, 0, -days).Truncate(24 * time.Hour)
	var rows []row

	// Baseline: weekday logins inside business hours from the home IP.
	for _, a := range actors {
		for d := 0; d < days; d++ {
			day := start.AddDate(0, 0, d)
			if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
				continue
			}
			logins := 1 + rng.Intn(3)
			for i := 0; i < logins; i++ {
				ts := day.Add(time.Duration(9+rng.Intn(8)) * time.Hour).
					Add(time.Duration(rng.Intn(60)) * time.Minute)
				rows = append(rows, row{a.uid, a.username, a.email, ts, "login_success", a.homeIP})
			}
		}
	}

	// Planted: night-shift behavior for three users.
	for _, a := range actors[:3] {
		for i := 0; i < 12; i++ {
			ts := start.AddDate(0, 0, rng.Intn(days)).
				Add(time.Duration(rng.Intn(5)) * time.Hour).
				Add(2 * time.Hour)
			rows = append(rows, row{a.uid, a.username, a.email, ts, "file_access", a.homeIP})
		}
	}

	// Planted: failed-login bursts for two users in the last 24 hours.
	recent := start.AddDate(0, 0, days-1)
	for _, a := range actors[3:5] {
		for i := 0; i < 5+rng.Intn(4); i++ {
			ts := recent.Add(time.Duration(rng.Intn(20)) * time.Hour)
			rows = append(rows, row{a.uid, a.username, a.email, ts, "login_failed", a.homeIP})
		}
	}

	// Planted: two logins from unrelated subnets minutes apart.
	for _, a := range actors[5:7] {
		ts := recent.Add(time.Duration(8+rng.Intn(4)) * time.Hour)
		rows = append(rows, row{a.uid, a.username, a.email, ts, "login_success", a.homeIP})
		rows = append(rows, row{a.uid, a.username, a.email, ts.Add(10 * time.Minute), "login_success", faker.IPv4Address()})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].timestamp.Before(rows[j].timestamp) })

	f, err := os.Create(output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating %s: %v\n", output, err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	_ = w.Write([]string{"uid", "username", "email", "timestamp", "activity_type", "source_ip"})
	for _, r := range rows {
		_ = w.Write([]string{
			r.uid, r.username, r.email,
			r.timestamp.Format(time.RFC3339),
			r.activityType, r.sourceIP,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "writing %s: %v\n", output, err)
		os.Exit(1)
	}

	fmt.Printf("wrote %d events for %d users to %s\n", len(rows), userCount, output)
}
