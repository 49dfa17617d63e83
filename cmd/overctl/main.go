package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Overseer server URL")
	flag.Parse()

	fmt.Println("Overseer Ops Console")
	fmt.Printf("Server: %s\n", *server)
	fmt.Println("Commands: /agents, /projects, /escalations, /health, /summary,")
	fmt.Println("          /resolve <id> <resolution...>, /cancel <project-id>")
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("---")

	fetchAgents(*server)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}

		fields := strings.Fields(input)
		switch fields[0] {
		case "/agents":
			fetchAgents(*server)
		case "/projects":
			fetchProjects(*server)
		case "/escalations":
			fetchEscalations(*server)
		case "/health":
			runHealthCycle(*server)
		case "/summary":
			fetchSummary(*server)
		case "/resolve":
			if len(fields) < 3 {
				printError("usage: /resolve <id> <resolution...>")
				continue
			}
			resolve(*server, fields[1], strings.Join(fields[2:], " "))
		case "/cancel":
			if len(fields) != 2 {
				printError("usage: /cancel <project-id>")
				continue
			}
			cancelProject(*server, fields[1])
		default:
			printError("unknown command %q", fields[0])
		}
	}
}

func fetchAgents(server string) {
	var agents []struct {
		ID     string  `json:"id"`
		Name   string  `json:"name"`
		Status string  `json:"status"`
		Score  float64 `json:"score"`
	}
	if !getJSON(server+"/api/agents", &agents) {
		return
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered yet.")
		return
	}
	fmt.Println("Agents:")
	for _, a := range agents {
		fmt.Printf("  %-20s %-10s score=%5.1f  (%s)\n", a.Name, a.Status, a.Score, a.ID)
	}
}

func fetchProjects(server string) {
	var projects []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
		Phase  string `json:"phase"`
	}
	if !getJSON(server+"/api/projects", &projects) {
		return
	}
	if len(projects) == 0 {
		fmt.Println("No projects.")
		return
	}
	fmt.Println("Projects:")
	for _, p := range projects {
		fmt.Printf("  %-24s %-12s phase=%-10s (%s)\n", p.Name, p.Status, p.Phase, p.ID)
	}
}

func fetchEscalations(server string) {
	var list []struct {
		ID          string `json:"id"`
		Kind        string `json:"kind"`
		SubjectID   string `json:"subject_id"`
		Severity    string `json:"severity"`
		Description string `json:"description"`
	}
	if !getJSON(server+"/api/escalations", &list) {
		return
	}
	if len(list) == 0 {
		fmt.Println("No open escalations.")
		return
	}
	fmt.Println("Open escalations:")
	for _, e := range list {
		icon := "\033[33m!\033[0m"
		if e.Severity == "critical" {
			icon = "\033[31m!!\033[0m"
		}
		fmt.Printf("  %s %-22s %-16s %s\n     %s\n", icon, e.Kind, e.SubjectID, e.ID, e.Description)
	}
}

func runHealthCycle(server string) {
	var report struct {
		Events     []struct{} `json:"events"`
		Dispatched int        `json:"dispatched"`
		ScanErrors []string   `json:"scan_errors,omitempty"`
	}
	if !postJSON(server+"/api/health/run", nil, &report) {
		return
	}
	fmt.Printf("Health cycle: %d finding(s), %d dispatched\n", len(report.Events), report.Dispatched)
	for _, e := range report.ScanErrors {
		printError("scan error: %s", e)
	}
}

func fetchSummary(server string) {
	var s struct {
		TaskCounts  map[string]int `json:"task_counts"`
		SuccessRate float64        `json:"success_rate"`
		TopAgents   []struct {
			Name  string  `json:"name"`
			Score float64 `json:"score"`
			Trend string  `json:"trend"`
		} `json:"top_agents"`
		OpenEscalations int `json:"open_escalations"`
	}
	if !getJSON(server+"/api/summary/daily", &s) {
		return
	}
	fmt.Printf("Success rate: %.1f%%  Open escalations: %d\n", s.SuccessRate*100, s.OpenEscalations)
	fmt.Println("Tasks:")
	for status, n := range s.TaskCounts {
		fmt.Printf("  %-12s %d\n", status, n)
	}
	if len(s.TopAgents) > 0 {
		fmt.Println("Top agents:")
		for i, a := range s.TopAgents {
			fmt.Printf("  %d. %-20s %5.1f (%s)\n", i+1, a.Name, a.Score, a.Trend)
		}
	}
}

func resolve(server, id, resolution string) {
	var out struct {
		Status string `json:"status"`
	}
	body := map[string]string{"resolution": resolution}
	if postJSON(server+"/api/escalations/"+id+"/resolve", body, &out) {
		fmt.Printf("Escalation %s: %s\n", id, out.Status)
	}
}

func cancelProject(server, id string) {
	var out struct {
		Status string `json:"status"`
	}
	body := map[string]string{"reason": "cancelled from overctl"}
	if postJSON(server+"/api/projects/"+id+"/cancel", body, &out) {
		fmt.Printf("Project %s: %s\n", id, out.Status)
	}
}

var client = &http.Client{Timeout: 30 * time.Second}

func getJSON(url string, v interface{}) bool {
	resp, err := client.Get(url)
	if err != nil {
		printError("Request failed: %v", err)
		return false
	}
	defer resp.Body.Close()
	return decode(resp, v)
}

func postJSON(url string, body, v interface{}) bool {
	data, _ := json.Marshal(body)
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		printError("Request failed: %v", err)
		return false
	}
	defer resp.Body.Close()
	return decode(resp, v)
}

func decode(resp *http.Response, v interface{}) bool {
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return false
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		printError("Failed to parse response: %v", err)
		return false
	}
	return true
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
