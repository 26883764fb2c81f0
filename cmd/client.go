package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"acme/internal/ipc"
)

// runCommand sends one IPC command to the daemon and prints the
// response. Non-success statuses other than allowed ones exit nonzero.
func runCommand(cmd *cobra.Command, command string, args map[string]interface{}, allowed ...string) error {
	socket, err := socketPath()
	if err != nil {
		return err
	}

	client := ipc.NewClient(socket, 30*time.Second)
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	resp, err := client.Do(ctx, command, args)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		os.Exit(ExitCodeDaemonUnreachable)
	}

	printResponse(cmd.OutOrStdout(), resp)
	if resp.Status == ipc.StatusSuccess {
		return nil
	}
	for _, a := range allowed {
		if resp.Status == a {
			return nil
		}
	}
	os.Exit(ExitCodeError)
	return nil
}

func printResponse(w io.Writer, resp ipc.Response) {
	if len(resp.Data) > 0 {
		var pretty map[string]interface{}
		if err := json.Unmarshal(resp.Data, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Fprintln(w, string(out))
			if resp.Status != ipc.StatusSuccess {
				fmt.Fprintf(w, "Status: %s\n", resp.Status)
			}
			return
		}
		fmt.Fprintln(w, string(resp.Data))
		return
	}
	if resp.Message != "" {
		fmt.Fprintf(w, "%s: %s\n", resp.Status, resp.Message)
		return
	}
	fmt.Fprintln(w, resp.Status)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and subsystem state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, ipc.CmdGetStatus, nil)
	},
}

var complianceStatusCmd = &cobra.Command{
	Use:   "compliance",
	Short: "Show the device and per-module compliance snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		noHistory, _ := cmd.Flags().GetBool("no-history")
		return runCommand(cmd, ipc.CmdGetComplianceStatus, map[string]interface{}{"no_history": noHistory})
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [identifier]",
	Short: "Trigger a manual compliance evaluation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmdArgs := map[string]interface{}{}
		if len(args) == 1 {
			cmdArgs["identifier"] = args[0]
		}
		return runCommand(cmd, ipc.CmdComplianceEvaluate, cmdArgs, ipc.StatusProcessRunning)
	},
}

var remediateCmd = &cobra.Command{
	Use:   "remediate [identifier]",
	Short: "Trigger a manual compliance remediation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmdArgs := map[string]interface{}{}
		if len(args) == 1 {
			cmdArgs["identifier"] = args[0]
		}
		return runCommand(cmd, ipc.CmdComplianceRemediate, cmdArgs, ipc.StatusProcessRunning)
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this device with the central registrar",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		force, _ := cmd.Flags().GetBool("force")
		return runCommand(cmd, ipc.CmdRegisterWithToken,
			map[string]interface{}{"token": token, "force": force},
			ipc.StatusProcessRunning, ipc.StatusRegisteredAlready)
	},
}

var registrationStatusCmd = &cobra.Command{
	Use:   "registration-status",
	Short: "Poll the state of an in-flight registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, ipc.CmdGetRegistrationStatus, nil)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload feature controls, route map, and module manifests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, ipc.CmdReload, nil)
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Gracefully stop the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, ipc.CmdShutdown, nil)
	},
}

var jwtCmd = &cobra.Command{
	Use:   "jwt",
	Short: "Issue a signed posture token",
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetInt("duration")
		return runCommand(cmd, ipc.CmdGetJWT, map[string]interface{}{"duration": duration})
	},
}

var eventCmd = &cobra.Command{
	Use:   "event <kind> [json-payload]",
	Short: "Submit a telemetry event through the daemon",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := map[string]interface{}{}
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
				return fmt.Errorf("payload is not valid JSON: %w", err)
			}
		}
		return runCommand(cmd, ipc.CmdCommitKARLEvent, map[string]interface{}{
			"kind":       args[0],
			"event_data": payload,
		})
	},
}

var moduleStatusCmd = &cobra.Command{
	Use:   "module <identifier>",
	Short: "Show one compliance module's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noHistory, _ := cmd.Flags().GetBool("no-history")
		return runCommand(cmd, ipc.CmdModuleStatus, map[string]interface{}{
			"identifier": args[0],
			"no_history": noHistory,
		})
	},
}

var reloadModulesCmd = &cobra.Command{
	Use:   "reload-modules",
	Short: "Reload compliance modules from their manifests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, ipc.CmdReloadModules, nil)
	},
}

func init() {
	complianceStatusCmd.Flags().Bool("no-history", false, "omit evaluation and remediation history")
	moduleStatusCmd.Flags().Bool("no-history", false, "omit evaluation and remediation history")
	registerCmd.Flags().String("token", "", "bootstrap token for first registration")
	registerCmd.Flags().Bool("force", false, "re-register even when already registered")
	jwtCmd.Flags().Int("duration", 0, "token lifetime in seconds")

	rootCmd.AddCommand(statusCmd, complianceStatusCmd, evaluateCmd, remediateCmd,
		registerCmd, registrationStatusCmd, reloadCmd, shutdownCmd, jwtCmd,
		eventCmd, moduleStatusCmd, reloadModulesCmd)
}
