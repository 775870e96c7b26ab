// protection-report summarizes the protection audit trail: how often stops
// were recreated, how many conflicts were resolved, which symbols needed
// emergency intervention.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"position-guardian/config"
	"position-guardian/internal/database"
	"position-guardian/internal/events"
	"position-guardian/internal/logging"
)

type symbolStats struct {
	Symbol      string
	Total       int
	Recreates   int
	StopSyncs   int
	PartialExit int
	Conflicts   int
	Fallbacks   int
	Emergencies int
	Failures    int
}

func main() {
	days := flag.Int("days", 7, "report window in days")
	symbol := flag.String("symbol", "", "limit the report to one symbol")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("warn", true)
	db, err := database.NewDB(cfg.DatabaseConfig.ConnString(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := database.NewRepository(db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	since := time.Now().AddDate(0, 0, -*days)
	var list []events.ProtectionEvent
	if *symbol != "" {
		list, err = repo.GetEventsBySymbol(ctx, *symbol, 10000)
	} else {
		list, err = repo.GetEventsSince(ctx, since)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load events: %v\n", err)
		os.Exit(1)
	}

	stats := make(map[string]*symbolStats)
	for _, e := range list {
		if e.Timestamp.Before(since) {
			continue
		}
		s, ok := stats[e.Symbol]
		if !ok {
			s = &symbolStats{Symbol: e.Symbol}
			stats[e.Symbol] = s
		}
		s.Total++
		switch e.Action {
		case events.ActionRecreate:
			s.Recreates++
		case events.ActionSyncStop:
			s.StopSyncs++
		case events.ActionPartialExit:
			s.PartialExit++
		case events.ActionConflictResolved:
			s.Conflicts++
		case events.ActionFallback:
			s.Fallbacks++
		case events.ActionEmergencyStop:
			s.Emergencies++
		}
		if e.Result == events.ResultFailure {
			s.Failures++
		}
	}

	ordered := make([]*symbolStats, 0, len(stats))
	for _, s := range stats {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Total > ordered[j].Total
	})

	fmt.Printf("Protection activity, last %d days (%d events)\n\n", *days, len(list))
	fmt.Printf("%-12s %6s %9s %9s %8s %9s %9s %11s %8s\n",
		"SYMBOL", "TOTAL", "RECREATE", "STOPSYNC", "EXITS", "CONFLICT", "FALLBACK", "EMERGENCY", "FAILED")
	for _, s := range ordered {
		fmt.Printf("%-12s %6d %9d %9d %8d %9d %9d %11d %8d\n",
			s.Symbol, s.Total, s.Recreates, s.StopSyncs, s.PartialExit,
			s.Conflicts, s.Fallbacks, s.Emergencies, s.Failures)
	}
	if len(ordered) == 0 {
		fmt.Println("No protection events in the window.")
	}
}
