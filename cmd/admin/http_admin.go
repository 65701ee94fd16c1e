package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "http://127.0.0.1:24819"

func adminURL(base, path string, q url.Values) string {
	u := strings.TrimRight(strings.TrimSpace(base), "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// do sends the request, prints the body and exits non-zero on a non-2xx reply.
func do(method, u string, timeout time.Duration) {
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(2)
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", defaultBaseURL, "relay base url")
	room := fs.String("room", "", "room name (empty prints every room)")
	_ = fs.Parse(args)

	q := url.Values{}
	if v := strings.TrimSpace(*room); v != "" {
		q.Set("room", v)
	}
	do(http.MethodGet, adminURL(*baseURL, "/admin/v1/state", q), 5*time.Second)
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", defaultBaseURL, "relay base url")
	room := fs.String("room", "", "room name (empty snapshots every room)")
	_ = fs.Parse(args)

	q := url.Values{}
	if v := strings.TrimSpace(*room); v != "" {
		q.Set("room", v)
	}
	do(http.MethodPost, adminURL(*baseURL, "/admin/v1/snapshot", q), 10*time.Second)
}

func progressiveCmd(args []string) {
	fs := flag.NewFlagSet("progressive", flag.ExitOnError)
	baseURL := fs.String("url", defaultBaseURL, "relay base url")
	room := fs.String("room", "default", "room name")
	world := fs.Uint("world", 0, "world id (1..255)")
	state := fs.String("state", "", "progressive item state (u32, 0x prefix allowed)")
	_ = fs.Parse(args)

	if *world == 0 || *world > 255 {
		fmt.Fprintln(os.Stderr, "missing or invalid -world")
		os.Exit(2)
	}
	if _, err := strconv.ParseUint(strings.TrimSpace(*state), 0, 32); err != nil {
		fmt.Fprintln(os.Stderr, "invalid -state:", err)
		os.Exit(2)
	}
	q := url.Values{}
	q.Set("world", strconv.FormatUint(uint64(*world), 10))
	q.Set("state", strings.TrimSpace(*state))
	path := "/admin/v1/rooms/" + url.PathEscape(strings.TrimSpace(*room)) + "/progressive"
	do(http.MethodPost, adminURL(*baseURL, path, q), 5*time.Second)
}
