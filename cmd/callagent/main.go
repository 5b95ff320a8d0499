package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/devconnect-labs/devconnect/internal/config"
	"github.com/devconnect-labs/devconnect/internal/directory"
	"github.com/devconnect-labs/devconnect/internal/engine"
	"github.com/devconnect-labs/devconnect/internal/eventsource"
	"github.com/devconnect-labs/devconnect/internal/ledger"
	"github.com/devconnect-labs/devconnect/internal/logging"
	"github.com/devconnect-labs/devconnect/internal/media"
	"github.com/devconnect-labs/devconnect/internal/registry"
	"github.com/devconnect-labs/devconnect/internal/txtracker"
)

type appConfig struct {
	Ledger    ledger.Config
	Logging   logging.Config
	Events    eventsource.Config
	Sessions  registry.Config
	Directory directory.Config
	Engine    engine.Config

	ConfirmTimeout time.Duration `env:"TX_CONFIRM_TIMEOUT" envDefault:"2m"`
}

func main() {
	if err := config.LoadEnv(); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}
	cfg, err := config.New[appConfig]()
	if err != nil {
		log.Fatalf("Failed to parse config: %v", err)
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := ledger.NewRPCClient(&cfg.Ledger)
	if err != nil {
		log.Fatalf("Failed to create ledger client: %v", err)
	}

	dir, err := directory.New(ctx, client, cfg.Directory)
	if err != nil {
		log.Fatalf("Failed to create directory: %v", err)
	}
	defer dir.Close()

	// The evict hook closes over source and eng; both are assigned below,
	// before the sweeper that fires the hook is started by eng.Run.
	var (
		source *eventsource.Source
		eng    *engine.Engine
	)
	reg := registry.New(cfg.Sessions, registry.WithEvictHook(func(requestID int64) {
		source.Forget(requestID)
		eng.ForgetSession(requestID)
	}))
	source = eventsource.New(client, cfg.Events, eventsource.WithPollGate(reg.HasActive))
	tracker := txtracker.New(client, cfg.ConfirmTimeout)
	rooms := media.NewLoopback()
	defer rooms.Close()

	eng = engine.New(cfg.Engine, client, tracker, source, reg, dir, rooms)

	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()
	go printNotifications(ctx, eng)

	fmt.Println("===== DevConnect Call Agent =====")
	fmt.Printf("  Account:  %s\n", eng.Account().Hex())
	fmt.Printf("  Contract: %s\n", cfg.Ledger.ContractAddress)
	fmt.Println("=================================")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  devs                            - List registered developers")
	fmt.Println("  book <address>                  - Book a call at the developer's rate")
	fmt.Println("  accept <request_id>             - Accept an incoming request")
	fmt.Println("  reject <request_id>             - Reject an incoming request")
	fmt.Println("  list                            - List tracked sessions")
	fmt.Println("  register <name> <skill> <wei>   - Register a developer profile")
	fmt.Println("  toggle                          - Toggle availability")
	fmt.Println("  quit                            - Exit")
	fmt.Println("")

	go commandLoop(ctx, eng, stop)

	<-ctx.Done()
	<-done
	fmt.Println("Agent stopped")
}

// printNotifications mirrors the engine's feed to the terminal.
func printNotifications(ctx context.Context, eng *engine.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-eng.Notifications():
			fmt.Printf("[%s] %s\n", n.Severity, n.Message)
		}
	}
}

// commandLoop reads commands from stdin.
func commandLoop(ctx context.Context, eng *engine.Engine, stop context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		switch parts[0] {
		case "devs":
			devs, err := eng.Developers(ctx)
			if err != nil {
				fmt.Printf("Roster fetch failed: %v\n", err)
				continue
			}
			if len(devs) == 0 {
				fmt.Println("No developers registered")
				continue
			}
			for _, d := range devs {
				status := "away"
				if d.IsAvailable {
					status = "available"
				}
				fmt.Printf("  %s  %-20s %-20s %s wei/hr  [%s]\n",
					d.Address.Hex(), d.Name, d.Expertise, d.HourlyRateWei, status)
			}

		case "book":
			if len(parts) < 2 {
				fmt.Println("Usage: book <developer_address>")
				continue
			}
			addr, err := ledger.ParseAddress(parts[1])
			if err != nil {
				fmt.Printf("Bad address: %v\n", err)
				continue
			}
			p, err := eng.BookCall(ctx, addr)
			if err != nil {
				fmt.Printf("Booking failed: %v\n", err)
				continue
			}
			fmt.Printf("Booking submitted: tx=%s\n", p.Hash)

		case "accept", "reject":
			if len(parts) < 2 {
				fmt.Printf("Usage: %s <request_id>\n", parts[0])
				continue
			}
			id, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				fmt.Printf("Bad request id: %v\n", err)
				continue
			}
			p, err := eng.Respond(ctx, id, parts[0] == "accept")
			if err != nil {
				fmt.Printf("Response failed: %v\n", err)
				continue
			}
			fmt.Printf("Response submitted: tx=%s\n", p.Hash)

		case "list":
			views := eng.Sessions()
			if len(views) == 0 {
				fmt.Println("No sessions")
				continue
			}
			for _, v := range views {
				extra := ""
				if v.AwaitingResponse {
					extra = "  <- accept/reject"
				}
				fmt.Printf("  %s  as %s with %s%s\n", v.Snapshot, v.Role, v.Counterparty.Short(), extra)
			}

		case "register":
			if len(parts) < 4 {
				fmt.Println("Usage: register <name> <expertise> <rate_wei>")
				continue
			}
			rate, ok := new(big.Int).SetString(parts[3], 10)
			if !ok {
				fmt.Println("Bad rate: expected a decimal wei amount")
				continue
			}
			p, err := eng.RegisterDeveloper(ctx, parts[1], parts[2], rate)
			if err != nil {
				fmt.Printf("Registration failed: %v\n", err)
				continue
			}
			fmt.Printf("Registration submitted: tx=%s\n", p.Hash)

		case "toggle":
			p, err := eng.ToggleAvailability(ctx)
			if err != nil {
				fmt.Printf("Toggle failed: %v\n", err)
				continue
			}
			fmt.Printf("Toggle submitted: tx=%s\n", p.Hash)

		case "quit", "exit":
			stop()
			return

		default:
			fmt.Printf("Unknown command: %s\n", parts[0])
		}
	}
}
