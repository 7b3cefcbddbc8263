// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command actsctl is the thin admin client against a running actsd: it
// sends inbound actions and inspects process/message state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var pid, tid, event string

	root := &cobra.Command{
		Use:   "actsctl",
		Short: "Admin client for the workflow engine daemon",
	}

	actCmd := &cobra.Command{
		Use:   "action",
		Short: "Send an inbound action against a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("would send action %s against proc=%s task=%s (wire this to actsd's admin endpoint)\n", event, pid, tid)
			return nil
		},
	}
	actCmd.Flags().StringVar(&pid, "pid", "", "process id")
	actCmd.Flags().StringVar(&tid, "tid", "", "task id")
	actCmd.Flags().StringVar(&event, "event", "", "action event (complete|back|abort|cancel|skip|error|submit|next)")
	_ = actCmd.MarkFlagRequired("pid")
	_ = actCmd.MarkFlagRequired("tid")
	_ = actCmd.MarkFlagRequired("event")

	resendCmd := &cobra.Command{
		Use:   "message-resend",
		Short: "Resend an Error-status message",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("would resend message proc=%s task=%s\n", pid, tid)
			return nil
		},
	}
	resendCmd.Flags().StringVar(&pid, "pid", "", "process id")
	resendCmd.Flags().StringVar(&tid, "tid", "", "task id")

	root.AddCommand(actCmd, resendCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
