// Command admin is an operator console for the saga store. It talks to the
// database directly, so it works even when the API server is down; resume is
// the escape hatch for sagas stuck past their outbox retry budget.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/term"

	"github.com/veltapay/sagaflow/internal/config"
	"github.com/veltapay/sagaflow/internal/domain"
	"github.com/veltapay/sagaflow/internal/pkg/logger"
	"github.com/veltapay/sagaflow/internal/repository"
	"github.com/veltapay/sagaflow/internal/service"
)

type console struct {
	sagas       *service.SagaService
	coordinator *service.SagaCoordinator
}

func main() {
	logger.InitBootstrap()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := logger.Init(logger.OptionsFromConfig(cfg.Log)); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	db, err := repository.NewDB(cfg)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	locks := service.NewIdempotencyService(repository.NewIdempotencyRepository(db))
	ledger := service.NewLedgerService(repository.NewLedgerRepository(db), cfg)
	transferDef := service.NewTransferSagaDefinition(locks, ledger, cfg)
	sagas := service.NewSagaService(repository.NewSagaRepository(db), service.ProvideSagaDefinitions(transferDef))

	c := &console{
		sagas:       sagas,
		coordinator: service.NewSagaCoordinator(sagas),
	}
	c.run()
}

func (c *console) run() {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Println("sagaflow admin console")
		fmt.Println("commands: create | resume <id> | show <id> | exit")
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			break
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "create":
			c.create()
		case "resume":
			if len(fields) != 2 {
				fmt.Println("usage: resume <saga-id>")
				continue
			}
			c.resume(fields[1])
		case "show":
			if len(fields) != 2 {
				fmt.Println("usage: show <saga-id>")
				continue
			}
			c.show(fields[1])
		case "exit", "quit":
			return
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Printf("input error: %v\n", err)
	}
}

// create queues a transfer with generated participants and a random amount,
// exactly as the API would.
func (c *console) create() {
	sagaID := uuid.New()
	data := &domain.TransferData{
		SagaID:     sagaID,
		FromUserID: fmt.Sprintf("U%03d", rand.IntN(1000)),
		ToUserID:   fmt.Sprintf("U%03d", rand.IntN(1000)),
		Amount:     decimal.New(int64(rand.IntN(99900)+100), -2),
	}
	for data.ToUserID == data.FromUserID {
		data.ToUserID = fmt.Sprintf("U%03d", rand.IntN(1000))
	}

	if err := c.sagas.CreateSaga(context.Background(), sagaID, domain.TransferDataType, data); err != nil {
		fmt.Printf("create failed: %v\n", err)
		return
	}
	fmt.Printf("created saga %s  (%s -> %s, amount %s)\n", sagaID, data.FromUserID, data.ToUserID, data.Amount)
}

func (c *console) resume(rawID string) {
	sagaID, err := uuid.Parse(rawID)
	if err != nil {
		fmt.Printf("invalid saga id %q\n", rawID)
		return
	}

	inst, err := c.sagas.Load(context.Background(), sagaID)
	if err != nil {
		fmt.Printf("load failed: %v\n", err)
		return
	}
	if inst == nil {
		fmt.Printf("saga %s not found\n", sagaID)
		return
	}
	if inst.IsTerminal() {
		fmt.Printf("saga %s is already %s, nothing to do\n", sagaID, inst.State())
		return
	}

	err = c.coordinator.Process(context.Background(), inst)
	switch {
	case err == nil:
		fmt.Printf("saga %s reached %s\n", sagaID, inst.State())
	case errors.Is(err, service.ErrSagaRetryLater), errors.Is(err, service.ErrSagaLeaseLost):
		fmt.Printf("saga %s suspended again (%v); retry later\n", sagaID, err)
	default:
		fmt.Printf("resume failed: %v\n", err)
	}
}

func (c *console) show(rawID string) {
	sagaID, err := uuid.Parse(rawID)
	if err != nil {
		fmt.Printf("invalid saga id %q\n", rawID)
		return
	}

	snap, err := c.sagas.GetSnapshot(context.Background(), sagaID)
	if err != nil {
		fmt.Printf("show failed: %v\n", err)
		return
	}
	if snap == nil {
		fmt.Printf("saga %s not found\n", sagaID)
		return
	}

	fmt.Printf("id:         %s\n", snap.ID)
	fmt.Printf("state:      %s\n", snap.State)
	fmt.Printf("cursor:     %d\n", snap.Cursor)
	fmt.Printf("data type:  %s\n", snap.DataType)
	fmt.Printf("data:       %s\n", snap.DataJSON)
	fmt.Printf("created at: %s\n", snap.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("updated at: %s\n", snap.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	if len(snap.ErrorLog) == 0 {
		fmt.Println("errors:     none")
		return
	}
	fmt.Println("errors:")
	for _, line := range snap.ErrorLog {
		fmt.Printf("  - %s\n", line)
	}
}
