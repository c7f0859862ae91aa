package registrar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/compose-network/company-registrar/configs"
	"github.com/compose-network/company-registrar/internal/observability"
	"github.com/compose-network/company-registrar/internal/registrar/ens"
	"github.com/compose-network/company-registrar/internal/registrar/saga"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Commands returns every registrar subcommand.
func Commands() []*cobra.Command {
	return []*cobra.Command{
		serveCmd(),
		registerCmd(),
		quoteCmd(),
		jobsCmd(),
		companyCmd(),
		cancelCmd(),
		retryCmd(),
		gcCmd(),
	}
}

// withService validates the loaded config, wires the service and closes it
// once fn returns.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *service) error) error {
	cfg := configs.Values.Registrar
	if err := cfg.Validate(); err != nil {
		return err
	}

	svc, err := newService(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to start registrar: %w", err)
	}
	defer svc.Close()

	return fn(cmd.Context(), svc)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Resume unfinished jobs and expose metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *service) error {
				// a failing metrics server also stops the resumed jobs
				group, ctx := errgroup.WithContext(ctx)

				resumed, err := svc.orchestrator.Resume(ctx)
				if err != nil {
					return err
				}
				slog.With("jobs", resumed).Info("registrar serving")

				group.Go(func() error {
					return observability.Serve(ctx, configs.Values.Observability.MetricsListenAddress, svc.metrics)
				})
				group.Go(func() error {
					collectGarbage(ctx, svc)
					return nil
				})
				group.Go(func() error {
					adoptAbandoned(ctx, svc)
					return nil
				})

				return group.Wait()
			})
		},
	}
}

func collectGarbage(ctx context.Context, svc *service) {
	every := svc.cfg.Registration.GarbageCollectEvery
	if every <= 0 {
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := svc.orchestrator.CollectGarbage(ctx, svc.cfg.Registration.Retention)
			if err != nil {
				slog.With("err", err.Error()).Warn("garbage collection failed")
				continue
			}
			if removed > 0 {
				slog.With("removed", removed).Info("finished jobs collected")
			}
		}
	}
}

// adoptAbandoned picks up active jobs whose lease ran out, such as those of
// a register or retry process that died.
func adoptAbandoned(ctx context.Context, svc *service) {
	ticker := time.NewTicker(svc.cfg.Store.LeaseDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.orchestrator.Resume(ctx); err != nil {
				slog.With("err", err.Error()).Warn("failed to rescan active jobs")
			}
		}
	}
}

func registerCmd() *cobra.Command {
	var (
		requester    string
		label        string
		founders     []string
		duration     time.Duration
		prepaymentTx string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Submit a company registration and follow it to the end",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseRequest(requester, label, founders, duration, prepaymentTx)
			if err != nil {
				return err
			}
			if req.Duration == 0 {
				req.Duration = configs.Values.Registrar.Registration.Duration
			}

			return withService(cmd, func(ctx context.Context, svc *service) error {
				job, err := svc.orchestrator.Submit(ctx, req)
				if err != nil {
					return err
				}
				slog.With("job_id", job.ID).With("ens_name", job.ENSName()).Info("registration submitted")

				svc.orchestrator.Wait()

				job, err = svc.orchestrator.Get(context.WithoutCancel(ctx), job.ID)
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), saga.ViewOf(job))
			})
		},
	}

	cmd.Flags().StringVar(&requester, "requester", "", "Address that paid and requests the company")
	cmd.Flags().StringVar(&label, "label", "", "Name to register, without .eth")
	cmd.Flags().StringSliceVar(&founders, "founders", nil, "Founder addresses owning the treasury")
	cmd.Flags().DurationVar(&duration, "registration-duration", 0, "Registration duration, defaults to registrar.registration.duration")
	cmd.Flags().StringVar(&prepaymentTx, "prepayment-tx", "", "Hash of the prepayment transaction")

	return cmd
}

func parseRequest(requester, label string, founders []string, duration time.Duration, prepaymentTx string) (saga.Request, error) {
	if !common.IsHexAddress(requester) {
		return saga.Request{}, fmt.Errorf("requester is not a valid address: %q", requester)
	}

	owners := make([]common.Address, 0, len(founders))
	for _, founder := range founders {
		founder = strings.TrimSpace(founder)
		if !common.IsHexAddress(founder) {
			return saga.Request{}, fmt.Errorf("founder is not a valid address: %q", founder)
		}
		owners = append(owners, common.HexToAddress(founder))
	}

	hash := strings.TrimPrefix(prepaymentTx, "0x")
	if len(hash) != 2*common.HashLength {
		return saga.Request{}, fmt.Errorf("prepayment tx is not a transaction hash: %q", prepaymentTx)
	}

	return saga.Request{
		Requester:    common.HexToAddress(requester),
		Label:        label,
		Founders:     owners,
		Duration:     duration,
		PrepaymentTx: common.HexToHash(prepaymentTx),
	}, nil
}

func quoteCmd() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "quote <label>",
		Short: "Show whether a name is free and what registering it costs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			label := ens.NormalizeLabel(args[0])
			if duration == 0 {
				duration = configs.Values.Registrar.Registration.Duration
			}

			return withService(cmd, func(ctx context.Context, svc *service) error {
				availability, err := svc.names.CheckAvailability(ctx, label)
				if err != nil {
					return err
				}
				quote, err := svc.estimator.Estimate(ctx, label, duration)
				if err != nil {
					return err
				}
				return renderQuote(cmd.OutOrStdout(), quote, availability)
			})
		},
	}

	cmd.Flags().DurationVar(&duration, "registration-duration", 0, "Registration duration, defaults to registrar.registration.duration")

	return cmd
}

func jobsCmd() *cobra.Command {
	var requester string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List registration jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := optionalAddress(requester)
			if err != nil {
				return err
			}

			return withService(cmd, func(ctx context.Context, svc *service) error {
				jobs, err := svc.orchestrator.List(ctx, filter)
				if err != nil {
					return err
				}
				renderJobs(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&requester, "requester", "", "Only list jobs of this requester")

	return cmd
}

func companyCmd() *cobra.Command {
	var requester string

	cmd := &cobra.Command{
		Use:   "company",
		Short: "Show the companies and pending registrations of a requester",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(requester) {
				return fmt.Errorf("requester is not a valid address: %q", requester)
			}

			return withService(cmd, func(ctx context.Context, svc *service) error {
				view, err := svc.projector.Current(ctx, common.HexToAddress(requester))
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), view)
			})
		},
	}

	cmd.Flags().StringVar(&requester, "requester", "", "Requester or founder address")
	_ = cmd.MarkFlagRequired("requester")

	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not registered its name yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *service) error {
				job, err := svc.orchestrator.Cancel(ctx, args[0])
				if errors.Is(err, saga.ErrCancelRejected) {
					return fmt.Errorf("job %s is at %s: %w", args[0], job.Step, err)
				}
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), saga.ViewOf(job))
			})
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Run a failed job again from where it stopped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *service) error {
				if _, err := svc.orchestrator.Retry(ctx, args[0]); err != nil {
					return err
				}

				svc.orchestrator.Wait()

				job, err := svc.orchestrator.Get(context.WithoutCancel(ctx), args[0])
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), saga.ViewOf(job))
			})
		},
	}
}

func gcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete finished jobs older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *service) error {
				removed, err := svc.orchestrator.CollectGarbage(ctx, svc.cfg.Registration.Retention)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d jobs\n", removed)
				return nil
			})
		},
	}
}

func optionalAddress(value string) (common.Address, error) {
	if value == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("not a valid address: %q", value)
	}
	return common.HexToAddress(value), nil
}
