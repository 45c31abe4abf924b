package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/snarg/speechrun/internal/chunk"
)

type checkResult struct {
	name   string
	ok     bool
	detail string
}

// cmdCheck verifies every dependency a run touches and prints one line per
// check. It exits non-zero if any check fails.
func cmdCheck(ctx context.Context, a *app, args []string) int {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var checks []checkResult
	add := func(name string, err error, okDetail string) {
		if err != nil {
			checks = append(checks, checkResult{name: name, detail: err.Error()})
			return
		}
		checks = append(checks, checkResult{name: name, ok: true, detail: okDetail})
	}

	if chunk.CheckFFmpeg() {
		add("ffmpeg", nil, "ffmpeg and ffprobe found")
	} else {
		add("ffmpeg", fmt.Errorf("ffmpeg or ffprobe not in PATH"), "")
	}

	client, err := a.openClient()
	if err != nil {
		add("credentials", err, "")
	} else {
		add("api", client.CheckConnectivity(ctx), client.Name()+" "+vendorURL(a.cfg))
		detail := client.Name() + " key accepted"
		if acct := client.Account(); acct != "" {
			detail = "client " + acct
		}
		add("auth", client.CheckAuth(ctx), detail)
	}

	jobs, err := a.openJobs(ctx)
	if err == nil {
		_, err = jobs.CountIncomplete(ctx)
	}
	add("job_store", err, a.cfg.JobStore)

	store, err := a.openResults()
	detail := ""
	if store != nil {
		detail = store.Type()
	}
	add("result_store", err, detail)

	if a.cfg.MQTT.BrokerURL != "" {
		_, err := a.openNotifier()
		add("mqtt", err, a.cfg.MQTT.BrokerURL)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	failed := 0
	for _, c := range checks {
		status := "ok"
		if !c.ok {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.name, status, c.detail)
	}
	tw.Flush()

	if failed > 0 {
		return exitFailure
	}
	return exitOK
}
