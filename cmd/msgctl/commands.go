package main

import (
	"errors"
	"fmt"
	"io"
	"msgchain-go/internal/config"
	"msgchain-go/internal/model"
	"msgchain-go/internal/service"
	"msgchain-go/pkg/chain"
	"msgchain-go/pkg/client"
	"msgchain-go/pkg/token"
	"time"

	"github.com/spf13/cobra"
)

const rootLongDesc string = `msgctl talks to the chain-message service.

It writes messages to the Message contract, asks the conversation
server for an AI reply, and reads back the contract and the
conversation log.

Configuration is read from --config (YAML) and MSGCHAIN_* environment
variables, e.g. MSGCHAIN_CHAIN_PRIVATE_KEY or MSGCHAIN_JWT_SECRET.`

type rootCommander struct {
	configPath string
	serverURL  string
}

func newRootCmd() *cobra.Command {
	root := &rootCommander{}

	cmd := &cobra.Command{
		Use:           "msgctl",
		Short:         "Command line client for the chain-message service",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&root.configPath, "config", "c", "", "Path to config.yaml (defaults and env only when empty)")
	cmd.PersistentFlags().StringVarP(&root.serverURL, "server", "s", "http://localhost:10888", "Conversation server base URL")

	cmd.AddCommand(
		newSendCmd(root),
		newReadCmd(root),
		newHistoryCmd(root),
		newTokenCmd(root),
	)
	return cmd
}

func (r *rootCommander) loadConfig() (config.Config, error) {
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("could not load config: %w", err)
	}
	return cfg, nil
}

func (r *rootCommander) conversationClient(cfg config.Config) *client.ConversationClient {
	// 服务端一次补全最长 llm.timeout，额外留出网络开销
	return client.New(r.serverURL, cfg.LLM.Timeout+30*time.Second)
}

func newSendCmd(root *rootCommander) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Write a message on-chain, then ask the server for an AI reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			chainClient, err := chain.Dial(cmd.Context(), cfg.Chain)
			if err != nil {
				return fmt.Errorf("could not connect to chain: %w", err)
			}
			orchestrator := service.NewMessageOrchestrator(
				chainClient,
				root.conversationClient(cfg),
				service.NewLocalFlowGuard(),
				nil,
				&progressPrinter{out: cmd.ErrOrStderr()},
			)
			out, err := orchestrator.Send(cmd.Context(), service.SendRequest{Message: args[0], ContractAddress: address})
			if err != nil {
				return err
			}
			printOutcome(cmd.OutOrStdout(), out)
			if out.State == model.StateFailed {
				return errors.New(out.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&address, "address", "a", "", "Contract address (defaults to chain.contract_address)")
	return cmd
}

func newReadCmd(root *rootCommander) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Print the contract's current message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			chainClient, err := chain.Dial(cmd.Context(), cfg.Chain)
			if err != nil {
				return fmt.Errorf("could not connect to chain: %w", err)
			}
			msg, err := chainClient.Read(cmd.Context(), address)
			if err != nil {
				return errors.New(chain.UserMessage(err, chainClient.ExpectedChainID()))
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	cmd.Flags().StringVarP(&address, "address", "a", "", "Contract address (defaults to chain.contract_address)")
	return cmd
}

func newHistoryCmd(root *rootCommander) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the conversation log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			history, err := root.conversationClient(cfg).History(cmd.Context())
			if err != nil {
				return fmt.Errorf("could not fetch history: %w", err)
			}
			printHistory(cmd.OutOrStdout(), history)
			return nil
		},
	}
}

func newTokenCmd(root *rootCommander) *cobra.Command {
	var subject, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for the admin API from the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			tok, err := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours).GenerateToken(subject, role)
			if err != nil {
				return fmt.Errorf("could not mint token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "msgctl", "Token subject")
	cmd.Flags().StringVar(&role, "role", token.RoleAdmin, "Token role")
	return cmd
}

// progressPrinter 把状态迁移打印到 stderr。
type progressPrinter struct {
	out io.Writer
}

func (p *progressPrinter) OnTransition(t model.FlowTransition) {
	if t.Reason != model.ReasonNone {
		fmt.Fprintf(p.out, "-> %s (%s)\n", t.To, t.Reason)
		return
	}
	fmt.Fprintf(p.out, "-> %s\n", t.To)
}

func printOutcome(w io.Writer, out *service.Outcome) {
	fmt.Fprintf(w, "flow:  %s\nstate: %s\n", out.FlowID, out.State)
	if out.TxHash != "" {
		fmt.Fprintf(w, "tx:    %s (block %d)\n", out.TxHash, out.BlockNumber)
	}
	if out.State == model.StateFailed {
		return
	}
	if out.AINotice != "" {
		fmt.Fprintln(w, out.AINotice)
	} else {
		fmt.Fprintf(w, "ai:    %s\n", out.AI)
	}
	if out.ChainNotice != "" {
		fmt.Fprintln(w, out.ChainNotice)
	} else {
		fmt.Fprintf(w, "chain: %s\n", out.ChainMessage)
	}
	if out.HistoryNotice != "" {
		fmt.Fprintln(w, out.HistoryNotice)
	}
	fmt.Fprintf(w, "history: %d entries\n", len(out.History))
}

func printHistory(w io.Writer, history []model.ConversationEntry) {
	if len(history) == 0 {
		fmt.Fprintln(w, "No conversations yet.")
		return
	}
	for _, e := range history {
		fmt.Fprintf(w, "[%s]\n  you: %s\n  ai:  %s\n", e.Timestamp, e.User, e.AI)
	}
}
