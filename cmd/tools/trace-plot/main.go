package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/gimbal.aim/internal/db"
	"github.com/banshee-data/gimbal.aim/internal/security"
	"github.com/banshee-data/gimbal.aim/internal/traceplot"
	"github.com/banshee-data/gimbal.aim/internal/units"
)

func main() {
	dbPath := flag.String("db", "aim_sessions.db", "path to sqlite DB file")
	session := flag.String("session", "", "session ID to plot (default: newest)")
	out := flag.String("out", "", "output file (default trace-<session>.png); .html renders an interactive page, anything else an image")
	unit := flag.String("units", units.Degrees, "angle units for plots and jitter ("+strings.Join(units.ValidUnits, "|")+")")
	list := flag.Bool("list", false, "list sessions and exit")
	flag.Parse()

	if !units.IsValid(*unit) {
		log.Fatalf("invalid -units %q: must be one of %s", *unit, strings.Join(units.ValidUnits, ", "))
	}

	if _, err := os.Stat(*dbPath); err != nil {
		log.Fatalf("DB path %s not accessible: %v", *dbPath, err)
	}
	database, err := db.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *dbPath, err)
	}
	defer database.Close()

	sessions, err := database.ListSessions()
	if err != nil {
		log.Fatalf("failed to list sessions: %v", err)
	}
	if *list {
		for _, s := range sessions {
			fmt.Printf("%s  %s  %6d frames  %s\n", s.ID, s.StartedAt.Format("2006-01-02 15:04:05"), s.Frames, s.Source)
		}
		return
	}

	id := *session
	if id == "" {
		if len(sessions) == 0 {
			log.Fatalf("no sessions recorded in %s", *dbPath)
		}
		id = sessions[0].ID
	}

	if *out == "" {
		*out = "trace-" + security.SanitizeFilename(id) + ".png"
	}
	if err := security.ValidateOutputPath(*out); err != nil {
		log.Fatalf("refusing to write %s: %v", *out, err)
	}

	frames, err := database.SessionFrames(id)
	if err != nil {
		log.Fatalf("failed to load session %s: %v", id, err)
	}
	if len(frames) == 0 {
		log.Fatalf("session %s has no frames", id)
	}

	sum := traceplot.Summarize(frames, *unit)
	series := traceplot.Build(frames, *unit)
	title := "Session " + id

	if strings.EqualFold(filepath.Ext(*out), ".html") {
		f, err := os.Create(*out)
		if err != nil {
			log.Fatalf("failed to create %s: %v", *out, err)
		}
		if err := traceplot.RenderHTML(f, series, title, sum); err != nil {
			f.Close()
			log.Fatalf("render failed: %v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("failed to write %s: %v", *out, err)
		}
	} else if err := traceplot.SavePNG(series, title, *out); err != nil {
		log.Fatalf("plot failed: %v", err)
	}

	log.Printf("wrote %s: %s", *out, sum)
}
