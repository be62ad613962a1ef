package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/modeldeck/modeldeck/internal/config"
	"github.com/modeldeck/modeldeck/internal/ops"
	"github.com/modeldeck/modeldeck/internal/session"
)

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available on the local daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/models")
		if err != nil {
			return err
		}

		var result struct {
			Models []string `json:"models"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Models) == 0 {
			fmt.Println("No models installed.")
			return nil
		}
		for _, m := range result.Models {
			fmt.Println(m)
		}
		return nil
	},
}

// --- pull ---

var pullCmd = &cobra.Command{
	Use:   "pull <model>",
	Short: "Download a model, streaming progress",
	Long: `Download a model, streaming progress.

Examples:
  modeldeck pull llama3.2
  modeldeck pull llama3.2 --variant 8b`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		variant, _ := cmd.Flags().GetString("variant")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/downloads", map[string]string{
			"model":   args[0],
			"variant": variant,
		})
		if err != nil {
			return err
		}

		var started struct {
			OperationID string `json:"operationId"`
		}
		if err := decodeJSON(resp, &started); err != nil {
			return err
		}

		events, err := client.events(started.OperationID)
		if err != nil {
			return err
		}

		for ev := range events {
			switch ev.Type {
			case ops.EventProgress:
				printProgress(ev)
			case ops.EventEnd:
				finishProgress()
				printSuccess("Downloaded %s", args[0])
			case ops.EventError:
				finishProgress()
				printError("Download failed: %s", ev.Error)
				return fmt.Errorf("download failed")
			case ops.EventCancelled:
				finishProgress()
				printWarning("Download cancelled")
			}
		}
		return nil
	},
}

func init() {
	pullCmd.Flags().String("variant", "", "model variant (size tag)")
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message to a local model and stream the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		sessionID, _ := cmd.Flags().GetString("session")
		useDocs, _ := cmd.Flags().GetBool("docs")
		message := strings.Join(args, " ")

		if model == "" {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			model = cfg.Ollama.DefaultModel
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/chat", map[string]any{
			"message":      message,
			"model":        model,
			"sessionId":    sessionID,
			"useDocuments": useDocs,
		})
		if err != nil {
			return err
		}

		var started struct {
			OperationID string `json:"operationId"`
			SessionID   string `json:"sessionId"`
		}
		if err := decodeJSON(resp, &started); err != nil {
			return err
		}

		events, err := client.events(started.OperationID)
		if err != nil {
			return err
		}

		for ev := range events {
			switch ev.Type {
			case ops.EventChunk:
				fmt.Print(ev.Delta)
			case ops.EventEnd:
				fmt.Println()
				printStatus("Session", "%s", started.SessionID)
			case ops.EventError:
				if ev.FullResponse != "" {
					fmt.Println()
				}
				printError("Chat failed: %s", ev.Error)
				return fmt.Errorf("chat failed")
			case ops.EventCancelled:
				fmt.Println()
				printWarning("Chat cancelled")
			}
		}
		return nil
	},
}

func init() {
	chatCmd.Flags().String("model", "", "model to chat with (default: configured default model)")
	chatCmd.Flags().String("session", "", "session ID to continue")
	chatCmd.Flags().Bool("docs", false, "include uploaded documents as context")
}

// --- cancel ---

var cancelCmd = &cobra.Command{
	Use:   "cancel <operation-id>",
	Short: "Cancel a running operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete("/operations/" + args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cancelled operation %s", args[0])
		return nil
	},
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage chat sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/sessions")
		if err != nil {
			return err
		}

		var result struct {
			Sessions []session.Session `json:"sessions"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		for _, s := range result.Sessions {
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, s.ID),
				s.UpdatedAt.Format("2006-01-02 15:04"),
				s.Model,
			)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/sessions/" + args[0])
		if err != nil {
			return err
		}

		var transcript any
		if err := decodeJSON(resp, &transcript); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(transcript)
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete("/sessions/" + args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted session %s", args[0])
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage documents used for chat context",
}

var docsUploadCmd = &cobra.Command{
	Use:   "upload <path>",
	Short: "Upload a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/documents", map[string]string{"path": args[0]})
		if err != nil {
			return err
		}

		var result struct {
			Success bool   `json:"success"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !result.Success {
			printError("Upload failed: %s", result.Error)
			return fmt.Errorf("upload failed")
		}
		printSuccess("Uploaded %s", args[0])
		return nil
	},
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploaded documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/documents")
		if err != nil {
			return err
		}

		var result struct {
			Configured bool `json:"configured"`
			Documents  []struct {
				FileName   string `json:"fileName"`
				ChunkCount int    `json:"chunkCount"`
			} `json:"documents"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !result.Configured {
			printWarning("Document store is not configured")
			return nil
		}
		if len(result.Documents) == 0 {
			fmt.Println("No documents uploaded.")
			return nil
		}
		for _, d := range result.Documents {
			fmt.Printf("%s (%d chunks)\n", d.FileName, d.ChunkCount)
		}
		return nil
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an uploaded document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete("/documents/" + args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted %s", args[0])
		return nil
	},
}

func init() {
	docsCmd.AddCommand(docsUploadCmd)
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsDeleteCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
