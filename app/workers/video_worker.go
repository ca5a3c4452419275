// Package workers contains the pipeline consumers and periodic jobs that move
// orders from intake to delivery: video preparation, campaign assignment,
// reconciliation against the tracker, external result ingestion and the
// recovery sweep.
package workers

import (
	"context"
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/mstolbov/viewboost/app/bus"
	"github.com/mstolbov/viewboost/app/services"
	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/repository"
	"github.com/mstolbov/viewboost/utils"
)

// VideoWorker consumes order.created: it resolves the video identity, probes
// the starting view count, optionally creates a clip through the account pool
// and hands the prepared order to the campaign assigner.
type VideoWorker struct {
	orderRepo   repository.OrderRepository
	serviceRepo repository.ServiceRepository
	coefRepo    repository.CoefficientRepository
	vpRepo      repository.VideoProcessingRepository
	accountRepo repository.YouTubeAccountRepository
	videoClient services.VideoClient
	publisher   bus.Publisher
	notifier    services.NotificationService
	db          *gorm.DB
	logger      *log.Logger
}

// NewVideoWorker creates the order.created consumer
func NewVideoWorker(
	orderRepo repository.OrderRepository,
	serviceRepo repository.ServiceRepository,
	coefRepo repository.CoefficientRepository,
	vpRepo repository.VideoProcessingRepository,
	accountRepo repository.YouTubeAccountRepository,
	videoClient services.VideoClient,
	publisher bus.Publisher,
	notifier services.NotificationService,
	db *gorm.DB,
	logger *log.Logger,
) *VideoWorker {
	return &VideoWorker{
		orderRepo:   orderRepo,
		serviceRepo: serviceRepo,
		coefRepo:    coefRepo,
		vpRepo:      vpRepo,
		accountRepo: accountRepo,
		videoClient: videoClient,
		publisher:   publisher,
		notifier:    notifier,
		db:          db,
		logger:      logger,
	}
}

// Handle processes one order.created delivery. Redeliveries of orders that
// already advanced past PROCESSING are acknowledged without work.
func (w *VideoWorker) Handle(ctx context.Context, env *bus.Envelope) error {
	var msg bus.OrderCreatedMessage
	if err := env.Decode(&msg); err != nil {
		return bus.Permanent(fmt.Errorf("undecodable order.created payload: %w", err))
	}

	order, err := w.orderRepo.ByID(ctx, msg.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return bus.Permanent(fmt.Errorf("order %d does not exist", msg.OrderID))
	}
	if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusProcessing {
		w.logger.Printf("video: order %d already in %s, skipping redelivery", order.ID, order.Status)
		return nil
	}

	if err := w.process(ctx, order, env); err != nil {
		if env.AttemptNumber >= env.MaxAttempts || bus.IsPermanent(err) {
			w.fail(ctx, order, err)
		}
		return err
	}
	return nil
}

func (w *VideoWorker) process(ctx context.Context, order *models.Order, env *bus.Envelope) error {
	service, err := w.serviceRepo.ByID(ctx, order.ServiceID)
	if err != nil {
		return err
	}
	if service == nil {
		return bus.Permanent(fmt.Errorf("order %d references missing service %d", order.ID, order.ServiceID))
	}

	ref, err := services.ParseVideoURL(order.Link)
	if err != nil {
		// Intake validates the URL, so a parse failure here cannot heal
		return bus.Permanent(err)
	}

	var vp *models.VideoProcessing
	err = repository.WithinTransaction(ctx, w.db, func(txCtx context.Context) error {
		vp, err = w.vpRepo.ByOrderID(txCtx, order.ID)
		if err != nil {
			return err
		}
		if vp == nil {
			vp = &models.VideoProcessing{
				OrderID:     order.ID,
				OriginalURL: order.Link,
				VideoType:   ref.Type,
				Status:      models.VideoProcessingStatusQueued,
			}
			if err := w.vpRepo.Save(txCtx, vp); err != nil {
				return err
			}
		}
		vp.Status = models.VideoProcessingStatusProcessing
		vp.AttemptCount = env.AttemptNumber
		vp.UpdatedAt = utils.UTCNow()
		if err := w.vpRepo.Update(txCtx, vp); err != nil {
			return err
		}
		if order.Status == models.OrderStatusPending {
			return w.orderRepo.TransitionStatus(txCtx, order, models.OrderStatusProcessing, map[string]any{
				"attempt": env.AttemptNumber,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	clipURL, accountID, err := w.maybeCreateClip(ctx, order, service, ref)
	if err != nil {
		return err
	}

	mode := models.ClipModeWithoutClip
	if clipURL != "" {
		mode = models.ClipModeWithClip
	}
	coef, err := w.coefRepo.ByServiceAndMode(ctx, service.ID, mode)
	if err != nil {
		return err
	}
	if coef == nil {
		return fmt.Errorf("no coefficient configured for service %d mode %s", service.ID, mode)
	}

	startCount, err := w.videoClient.ProbeViewCount(ctx, order.Link)
	if err != nil {
		return fmt.Errorf("view probe failed for order %d: %w", order.ID, err)
	}

	err = repository.WithinTransaction(ctx, w.db, func(txCtx context.Context) error {
		fresh, err := w.orderRepo.ByID(txCtx, order.ID)
		if err != nil {
			return err
		}
		if fresh == nil {
			return bus.Permanent(fmt.Errorf("order %d vanished mid-processing", order.ID))
		}

		fresh.StartCount = startCount
		fresh.Coefficient = coef.Coefficient
		fresh.YouTubeVideoID = &ref.ID
		applied, err := w.orderRepo.UpdateConditional(txCtx, fresh, fresh.Version)
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("order %d changed concurrently during video processing", order.ID)
		}

		if clipURL != "" {
			vp.ClipCreated = utils.ToPtr(true)
			vp.ClipURL = &clipURL
			vp.YouTubeAccountID = accountID
		}
		vp.Status = models.VideoProcessingStatusCompleted
		vp.LastError = nil
		vp.UpdatedAt = utils.UTCNow()
		if err := w.vpRepo.Update(txCtx, vp); err != nil {
			return err
		}

		return w.orderRepo.TransitionStatus(txCtx, fresh, models.OrderStatusInProgress, map[string]any{
			"start_count":  startCount,
			"coefficient":  coef.Coefficient,
			"clip_created": clipURL != "",
		})
	})
	if err != nil {
		return err
	}

	w.announce(ctx, order, env, vp)
	return nil
}

// maybeCreateClip reserves an account and runs the clip flow when the service
// and the video type allow it. Clip failures degrade to the original URL
// instead of failing the order.
func (w *VideoWorker) maybeCreateClip(ctx context.Context, order *models.Order, service *models.Service, ref *services.VideoRef) (string, *uint, error) {
	if !utils.IsTrue(service.ClipCreationEnabled) || !ref.Type.Clippable() {
		return "", nil, nil
	}

	var account *models.YouTubeAccount
	err := repository.WithinTransaction(ctx, w.db, func(txCtx context.Context) error {
		var err error
		account, err = w.accountRepo.Reserve(txCtx, utils.UTCNow())
		return err
	})
	if err != nil {
		return "", nil, err
	}
	if account == nil {
		w.logger.Printf("video: clip-account pool exhausted, order %d proceeds without clip", order.ID)
		return "", nil, nil
	}

	clipURL, err := w.videoClient.CreateClip(ctx, order.Link, account)
	if err != nil {
		w.logger.Printf("video: clip creation failed for order %d, falling back to original URL: %v", order.ID, err)
		return "", nil, nil
	}
	return clipURL, &account.ID, nil
}

// announce hands the prepared order to the assigner and mirrors worker
// progress for observability consumers. Publish failures are logged only;
// redelivery of order.created repeats the (idempotent) preparation.
func (w *VideoWorker) announce(ctx context.Context, order *models.Order, env *bus.Envelope, vp *models.VideoProcessing) {
	assignEnv, err := bus.NewEnvelope(order.ID, env.MaxAttempts, bus.OfferAssignmentMessage{
		OrderID:   order.ID,
		TargetURL: vp.TargetURL(),
		Geo:       order.TargetCountry,
	})
	if err == nil {
		err = w.publisher.Publish(ctx, bus.TopicOfferAssignment, assignEnv)
	}
	if err != nil {
		w.logger.Printf("video: publish of offer.assignment failed for order %d: %v", order.ID, err)
	}

	progressEnv, err := bus.NewEnvelope(order.ID, env.MaxAttempts, bus.VideoProcessingMessage{
		OrderID:     order.ID,
		Status:      string(vp.Status),
		ClipCreated: utils.IsTrue(vp.ClipCreated),
		TargetURL:   vp.TargetURL(),
	})
	if err == nil {
		err = w.publisher.Publish(ctx, bus.TopicVideoProcessing, progressEnv)
	}
	if err != nil {
		w.logger.Printf("video: publish of video.processing failed for order %d: %v", order.ID, err)
	}
}

// fail is the terminal-attempt path: the order moves to ERROR, the processing
// row records the cause and the operator channel is alerted.
func (w *VideoWorker) fail(ctx context.Context, order *models.Order, cause error) {
	err := repository.WithinTransaction(ctx, w.db, func(txCtx context.Context) error {
		fresh, err := w.orderRepo.ByID(txCtx, order.ID)
		if err != nil || fresh == nil {
			return err
		}

		vp, err := w.vpRepo.ByOrderID(txCtx, fresh.ID)
		if err != nil {
			return err
		}
		if vp != nil {
			vp.Status = models.VideoProcessingStatusFailed
			vp.LastError = utils.ToPtr(cause.Error())
			vp.UpdatedAt = utils.UTCNow()
			if err := w.vpRepo.Update(txCtx, vp); err != nil {
				return err
			}
		}

		payload := map[string]any{"reason": cause.Error()}
		if fresh.Status == models.OrderStatusPending {
			if err := w.orderRepo.TransitionStatus(txCtx, fresh, models.OrderStatusProcessing, payload); err != nil {
				return err
			}
		}
		if fresh.Status == models.OrderStatusProcessing || fresh.Status == models.OrderStatusInProgress {
			return w.orderRepo.TransitionStatus(txCtx, fresh, models.OrderStatusError, payload)
		}
		return nil
	})
	if err != nil {
		w.logger.Printf("video: failed to mark order %d as errored: %v", order.ID, err)
	}

	if err := w.notifier.NotifyDeadLetter(ctx, bus.TopicOrderCreated, order.ID, cause.Error()); err != nil {
		w.logger.Printf("video: dead-letter notification failed for order %d: %v", order.ID, err)
	}
}
