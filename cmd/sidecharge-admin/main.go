// SideCharge Database CLI Tool
// Provides command-line access to the fleet orchestrator database
package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "sidecharge-admin",
		Short: "SideCharge Database CLI",
		Long:  "Command-line tool for inspecting the SideCharge fleet orchestrator database.",
	}

	devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "List all registered devices",
		RunE:  listDevices,
	}

	eventsCmd = &cobra.Command{
		Use:   "events [device-short-id]",
		Short: "Show event log rows",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showEvents,
	}

	otaCmd = &cobra.Command{
		Use:   "ota",
		Short: "Show active OTA sessions",
		RunE:  showOTA,
	}

	scheduleCmd = &cobra.Command{
		Use:   "schedule",
		Short: "Show per-device scheduler intent",
		RunE:  showSchedule,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	eventType string
	limit     int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/sidecharge/orchestrator.db", "Database file path")

	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of records to show")
	eventsCmd.Flags().StringVarP(&eventType, "type", "t", "", "Filter by event type")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(otaCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*sql.DB, error) {
	return sql.Open("sqlite3", dbPath+"?mode=ro")
}

func listDevices(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT short_id, transport_uuid, network_id, status, last_seen, app_build_version
		FROM devices ORDER BY last_seen DESC
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SHORT ID\tTRANSPORT UUID\tNETWORK\tSTATUS\tLAST SEEN\tBUILD")
	fmt.Fprintln(w, "--------\t--------------\t-------\t------\t---------\t-----")

	for rows.Next() {
		var shortID, transportUUID, networkID, status, lastSeen string
		var appBuild int
		if err := rows.Scan(&shortID, &transportUUID, &networkID, &status, &lastSeen, &appBuild); err != nil {
			return err
		}
		netStr := networkID
		if netStr == "" {
			netStr = "-"
		}
		t, err := time.Parse("2006-01-02T15:04:05Z", lastSeen)
		seenStr := lastSeen
		if err == nil {
			seenStr = t.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", shortID, transportUUID, netStr, status, seenStr, appBuild)
	}
	w.Flush()
	return nil
}

func showEvents(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := `SELECT device_short_id, sort_key, event_type, device_sourced, payload FROM events WHERE 1=1`
	var queryArgs []interface{}

	if len(args) > 0 {
		query += ` AND device_short_id = ?`
		queryArgs = append(queryArgs, args[0])
	}
	if eventType != "" {
		query += ` AND event_type = ?`
		queryArgs = append(queryArgs, eventType)
	}
	query += ` ORDER BY sort_key DESC LIMIT ?`
	queryArgs = append(queryArgs, limit)

	rows, err := db.Query(query, queryArgs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tSORT KEY\tTYPE\tSRC\tPAYLOAD")
	fmt.Fprintln(w, "------\t--------\t----\t---\t-------")

	for rows.Next() {
		var deviceShortID, sortKey, eventType, payload string
		var deviceSourced int
		if err := rows.Scan(&deviceShortID, &sortKey, &eventType, &deviceSourced, &payload); err != nil {
			return err
		}
		srcStr := "cloud"
		if deviceSourced != 0 {
			srcStr = "device"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", deviceShortID, sortKey, eventType, srcStr, compactJSON(payload))
	}
	w.Flush()
	return nil
}

func showOTA(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT device_short_id, ota_session_id, ota_key, ota_version, ota_status, ota_highest_acked, ota_total_chunks,
			ota_retries, ota_restarts, ota_updated_at
		FROM device_state WHERE ota_active = 1 ORDER BY ota_started_at DESC
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tSESSION\tIMAGE\tVER\tSTATUS\tPROGRESS\tRETRIES\tRESTARTS\tUPDATED")
	fmt.Fprintln(w, "------\t-------\t-----\t---\t------\t--------\t-------\t--------\t-------")

	for rows.Next() {
		var deviceShortID, sessionID, key, status string
		var version, highestAcked, totalChunks, retries, restarts int
		var updatedAt int64
		if err := rows.Scan(&deviceShortID, &sessionID, &key, &version, &status, &highestAcked, &totalChunks, &retries, &restarts, &updatedAt); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d/%d\t%d\t%d\t%s\n",
			deviceShortID, sessionID, key, version, status, highestAcked, totalChunks, retries, restarts,
			time.Unix(updatedAt, 0).Format("01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func showSchedule(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT device_short_id, last_command, reason, tou_peak, moer_percent, sent_unix,
			charge_now_override_until, divergence_retry_count
		FROM device_state ORDER BY device_short_id
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tCOMMAND\tREASON\tTOU\tMOER%\tSENT\tOVERRIDE UNTIL\tDIVERGE")
	fmt.Fprintln(w, "------\t-------\t------\t---\t-----\t----\t--------------\t-------")

	for rows.Next() {
		var deviceShortID, command, reason string
		var touPeak int
		var moerPercent sql.NullFloat64
		var sentUnix, overrideUntil int64
		var divergeCount int
		if err := rows.Scan(&deviceShortID, &command, &reason, &touPeak, &moerPercent, &sentUnix, &overrideUntil, &divergeCount); err != nil {
			return err
		}
		touStr := "N"
		if touPeak != 0 {
			touStr = "Y"
		}
		moerStr := "-"
		if moerPercent.Valid {
			moerStr = fmt.Sprintf("%.1f", moerPercent.Float64)
		}
		sentStr := "-"
		if sentUnix > 0 {
			sentStr = time.Unix(sentUnix, 0).Format("01-02 15:04")
		}
		overrideStr := "-"
		if overrideUntil > 0 {
			overrideStr = time.Unix(overrideUntil, 0).Format("01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			deviceShortID, command, reason, touStr, moerStr, sentStr, overrideStr, divergeCount)
	}
	w.Flush()
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Database Statistics")
	fmt.Println("===================")

	var deviceCount, activeCount int
	db.QueryRow("SELECT COUNT(*) FROM devices").Scan(&deviceCount)
	db.QueryRow("SELECT COUNT(*) FROM devices WHERE status = 'active'").Scan(&activeCount)
	fmt.Printf("Devices: %d (active: %d)\n", deviceCount, activeCount)

	var eventCount int
	db.QueryRow("SELECT COUNT(*) FROM events").Scan(&eventCount)
	fmt.Printf("Event rows: %d\n", eventCount)

	var otaActiveCount int
	db.QueryRow("SELECT COUNT(*) FROM device_state WHERE ota_active = 1").Scan(&otaActiveCount)
	fmt.Printf("Active OTA sessions: %d\n", otaActiveCount)

	var divergingCount int
	db.QueryRow("SELECT COUNT(*) FROM device_state WHERE divergence_retry_count > 0").Scan(&divergingCount)
	fmt.Printf("Devices with open divergence: %d\n", divergingCount)

	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]

	// Only allow SELECT queries for safety
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return nil
}

// compactJSON re-marshals a stored payload without indentation, and falls
// back to the raw string if it isn't valid JSON (shouldn't happen, but the
// event log is append-only and this tool must never fail to display a row).
func compactJSON(payload string) string {
	var v interface{}
	if json.Unmarshal([]byte(payload), &v) != nil {
		return payload
	}
	b, err := json.Marshal(v)
	if err != nil {
		return payload
	}
	return string(b)
}
