package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshchat/bridge"
	"meshchat/discovery"
	"meshchat/identity"
	"meshchat/mesh"
	"meshchat/models"
	"meshchat/session"
)

var (
	bridgeURLFlag string
	channelFlag   bool
	passwordFlag  string
	limitFlag     int
	markReadFlag  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to a bridge and print incoming messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := startApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		sess, client, err := a.connect(ctx, true)
		if err != nil {
			return err
		}
		defer client.Close()

		out := cmd.OutOrStdout()
		printed := make(chan struct{})
		go func() {
			defer close(printed)
			for n := range sess.Notifications() {
				printNotification(out, n)
			}
		}()

		fmt.Fprintf(out, "Connected to %s as %q (press Ctrl+C to stop)\n", a.cfg.Bridge.URL, sess.SelfLabel())
		err = sess.Run(ctx)
		<-printed
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil {
			if lastErr := client.LastError(); lastErr != nil {
				return fmt.Errorf("bridge connection lost: %w", lastErr)
			}
		}
		return err
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <recipient> <text>",
	Short: "Send a direct message, or a channel message with --channel",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := startApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		sess, client, err := a.connect(ctx, false)
		if err != nil {
			return err
		}
		defer client.Close()

		// Keep ingesting while the send is in flight so the bridge never
		// blocks on a full event queue.
		runCtx, cancel := context.WithCancel(ctx)
		runDone := make(chan struct{})
		go func() {
			defer close(runDone)
			_ = sess.Run(runCtx)
		}()
		defer func() {
			cancel()
			<-runDone
		}()

		if _, err := sess.RefreshPeers(ctx); err != nil {
			a.logger.Warn("contact sync failed", zap.Error(err))
		}

		recipient, text := args[0], strings.Join(args[1:], " ")

		if passwordFlag != "" {
			ok, err := sess.LoginRoom(ctx, recipient, passwordFlag)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("login to room %q rejected", recipient)
			}
		}

		var (
			msg    *models.Message
			status *mesh.SendResult
		)
		if channelFlag {
			msg, err = sess.SendBroadcastMessage(ctx, recipient, text)
		} else {
			msg, status, err = sess.SendDirectMessage(ctx, recipient, text)
		}
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "sent to %s: %s\n", msg.ConversationKey, msg.Text)
		if status != nil && status.ExpectedAck != "" {
			fmt.Fprintf(out, "awaiting ack %s (timeout %s)\n", status.ExpectedAck, status.SuggestedTimeout)
		}
		return nil
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan the local network for radio bridges",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := startApp()
		if err != nil {
			return err
		}
		defer a.close()

		bridges, err := a.scanner().Scan(cmd.Context())
		if err != nil {
			return fmt.Errorf("scan for bridges: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(bridges) == 0 {
			fmt.Fprintln(out, "no bridges found")
			return nil
		}
		for _, b := range bridges {
			fmt.Fprintf(out, "%-24s %s", b.Label(), b.URL())
			if b.RadioKey != "" {
				fmt.Fprintf(out, "  key=%s", b.RadioKey)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Print unread counts per conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := startApp()
		if err != nil {
			return err
		}
		defer a.close()

		counts, err := a.store.AllUnreadCounts()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(counts) == 0 {
			fmt.Fprintln(out, "no unread messages")
			return nil
		}
		keys := make([]string, 0, len(counts))
		for key := range counts {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(out, "%-24s %d\n", key, counts[key])
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation>",
	Short: "Print stored messages of a peer conversation or channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := startApp()
		if err != nil {
			return err
		}
		defer a.close()

		conversation := args[0]
		var messages []models.Message
		if index, ok := identity.ParseChannelLabel(conversation); ok {
			messages, err = a.store.MessagesForChannel(index, limitFlag)
		} else {
			messages, err = a.store.MessagesForConversation(conversation, limitFlag)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, msg := range messages {
			printMessage(out, msg)
		}

		if markReadFlag {
			key := conversation
			if index, ok := identity.ParseChannelLabel(conversation); ok {
				key = identity.ChannelLabel(index)
			}
			if err := a.store.MarkRead(key, 0); err != nil {
				return err
			}
		}
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List recent conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := startApp()
		if err != nil {
			return err
		}
		defer a.close()

		summaries, err := a.store.RecentConversations(limitFlag)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, summary := range summaries {
			label := summary.SenderLabel
			if summary.ChannelIndex != nil {
				label = identity.ChannelLabel(*summary.ChannelIndex) + " / " + label
			}
			fmt.Fprintf(out, "%-32s %-9s %4d  %s\n",
				label,
				summary.Kind,
				summary.MessageCount,
				time.Unix(summary.LastReceivedAt, 0).Format(time.DateTime))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&bridgeURLFlag, "bridge", "", "bridge websocket URL (default from config, else mDNS discovery)")
	sendCmd.Flags().StringVar(&bridgeURLFlag, "bridge", "", "bridge websocket URL (default from config, else mDNS discovery)")
	sendCmd.Flags().BoolVar(&channelFlag, "channel", false, "treat recipient as a channel label, name or index")
	sendCmd.Flags().StringVar(&passwordFlag, "room-password", "", "log in to the recipient room server first")
	historyCmd.Flags().IntVar(&limitFlag, "limit", 0, "maximum number of messages")
	historyCmd.Flags().BoolVar(&markReadFlag, "mark-read", false, "mark the conversation read afterwards")
	conversationsCmd.Flags().IntVar(&limitFlag, "limit", 0, "maximum number of conversations")
}

func (a *app) scanner() *discovery.Scanner {
	return discovery.NewScanner(discovery.Config{
		Service:     a.cfg.Discovery.Service,
		Domain:      a.cfg.Discovery.Domain,
		ScanTimeout: a.cfg.Discovery.ScanTimeout,
		Logger:      a.logger.Named("discovery"),
	})
}

// bridgeURL picks the flag, then the configured URL, then the first bridge
// answering an mDNS scan.
func (a *app) bridgeURL(ctx context.Context) (string, error) {
	if bridgeURLFlag != "" {
		return bridgeURLFlag, nil
	}
	if a.cfg.Bridge.URL != "" {
		return a.cfg.Bridge.URL, nil
	}

	found, ok, err := a.scanner().First(ctx)
	if err != nil {
		return "", fmt.Errorf("scan for bridges: %w", err)
	}
	if !ok {
		return "", errors.New("no bridge configured and none found on the local network")
	}
	a.logger.Info("using discovered bridge",
		zap.String("bridge", found.Label()),
		zap.String("url", found.URL()))
	return found.URL(), nil
}

// connect dials the bridge and builds a session on it. With syncOnStart the
// session fetches the contact list once Run is consuming events.
func (a *app) connect(ctx context.Context, syncOnStart bool) (*session.Session, *bridge.Client, error) {
	url, err := a.bridgeURL(ctx)
	if err != nil {
		return nil, nil, err
	}
	a.cfg.Bridge.URL = url

	client, err := bridge.Dial(ctx, bridge.Options{
		URL:         url,
		DialTimeout: a.cfg.Bridge.DialTimeout,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, nil, err
	}

	sess, err := session.New(session.Options{
		Client:            client,
		Store:             a.store,
		Directory:         client.Directory(),
		RoomSessions:      client,
		Logger:            a.logger,
		SendRatePerMinute: a.cfg.Send.RatePerMinute,
		HistoryLimit:      a.cfg.HistoryLimit,
		RefreshTimeout:    a.cfg.RefreshTimeout,
		FreshnessSource:   models.ParseFreshnessSource(a.cfg.FreshnessSource),
		SyncOnStart:       syncOnStart,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return sess, client, nil
}

func printNotification(out io.Writer, n session.Notification) {
	switch n.Kind {
	case session.NotifyPeersChanged:
		fmt.Fprintln(out, "* contact list updated")
		return
	case session.NotifyMessage:
	default:
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format(time.TimeOnly))
	b.WriteString(" ")
	if n.ChannelLabel != nil {
		b.WriteString("[" + *n.ChannelLabel + "] ")
	}
	b.WriteString(n.SenderLabel)
	if n.MessageKind == models.KindRelay {
		b.WriteString(" (via room)")
	}
	b.WriteString(": ")
	b.WriteString(n.Text)
	if !n.Persisted {
		b.WriteString("  [not saved]")
	}
	fmt.Fprintln(out, b.String())
}

func printMessage(out io.Writer, msg models.Message) {
	sender := msg.SenderLabel
	if msg.TrueOriginatorLabel != nil && *msg.TrueOriginatorLabel != "" {
		sender = *msg.TrueOriginatorLabel + " via " + sender
	}
	fmt.Fprintf(out, "%s  %s: %s\n",
		time.Unix(msg.PayloadTime, 0).Format(time.DateTime),
		sender,
		msg.Text)
}
