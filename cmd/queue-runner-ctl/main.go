// Command queue-runner-ctl is the operational CLI for a running
// queue-runner process: "status" dumps the §6 control-surface JSON,
// "build-one <id>" triggers the --build-one path over HTTP. It talks
// only to pkg/httpapi's routes, mirroring the teacher's cmd/shim
// subcommand-switch CLI shape.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
)

func main() {
	l := hclog.New(&hclog.LoggerOptions{Name: "queue-runner-ctl", Level: hclog.LevelFromString("INFO")})

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	base := os.Getenv("HYDRA_CTL_ADDR")
	if base == "" {
		base = "http://127.0.0.1:3000"
	}

	switch os.Args[1] {
	case "status":
		if err := status(base); err != nil {
			l.Error("status request failed", "error", err)
			os.Exit(1)
		}

	case "build-one":
		if len(os.Args) < 3 {
			usage()
			os.Exit(2)
		}
		if err := buildOne(base, os.Args[2]); err != nil {
			l.Error("build-one request failed", "error", err)
			os.Exit(1)
		}

	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: queue-runner-ctl <status|build-one <id>>")
}

// status fetches and pretty-prints the §6 status-dump endpoint.
func status(base string) error {
	resp, err := http.Get(base + "/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("queue-runner-ctl: status request returned %s: %s", resp.Status, body)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

// buildOne triggers the §6 "--build-one <id>" control surface path,
// then polls GET /build/{id} until the queue runner finalizes it (or
// the build disappears from the graph having never been known, which
// means it finished between the trigger and the first poll).
func buildOne(base, id string) error {
	resp, err := http.Post(fmt.Sprintf("%s/build-one/%s", base, id), "application/json", nil)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("queue-runner-ctl: build-one request returned %s: %s", resp.Status, body)
	}
	fmt.Printf("build %s accepted, waiting for completion...\n", id)

	for {
		result, err := pollBuildStatus(base, id)
		if err != nil {
			return err
		}
		if !result.Known || result.FinishedInDB {
			fmt.Printf("build %s finished\n", id)
			return nil
		}
		time.Sleep(time.Second)
	}
}

type buildStatusResponse struct {
	Known        bool `json:"known"`
	FinishedInDB bool `json:"finished_in_db"`
}

func pollBuildStatus(base, id string) (buildStatusResponse, error) {
	resp, err := http.Get(fmt.Sprintf("%s/build/%s", base, id))
	if err != nil {
		return buildStatusResponse{}, err
	}
	defer resp.Body.Close()

	var result buildStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return buildStatusResponse{}, err
	}
	return result, nil
}
