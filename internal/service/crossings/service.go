package crossings

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tably/crossed-paths/internal/app"
	"github.com/tably/crossed-paths/internal/config"
	"github.com/tably/crossed-paths/internal/db"
	svcErr "github.com/tably/crossed-paths/internal/errors"
	"github.com/tably/crossed-paths/internal/repository"
)

// ErrNotPairMember rejects an invite from a user who is not part of the pair.
var ErrNotPairMember = errors.New("inviter does not belong to this crossed path")

// pendingDrainLimit bounds how many queued rematches one sweep processes.
const pendingDrainLimit = 100

// rematchGrace is how old an unstamped visit must be before the sweep retries
// it; anything younger may still have its original matcher pass in flight.
const rematchGrace = time.Minute

// RestaurantIdentity is the caller-supplied identity of the visited place.
// At least one of RestaurantID or Name must be set; coordinates are optional.
type RestaurantIdentity struct {
	RestaurantID string
	Name         string
	Latitude     *float64
	Longitude    *float64
}

// DinnerInvite is the hand-off payload to the external event workflow:
// the pair's identities plus their shared restaurant history. Event creation
// and auto-RSVP happen entirely outside this core.
type DinnerInvite struct {
	InviterID uint64
	InviteeID uint64
	Locations []string
}

// EventInviter is the external event-creation collaborator.
type EventInviter interface {
	CreateDinnerInvite(ctx context.Context, invite DinnerInvite) error
}

// VisitView is one row of a user's visit history.
type VisitView struct {
	ID             uint64    `json:"id"`
	RestaurantName string    `json:"restaurant_name"`
	Latitude       *float64  `json:"latitude,omitempty"`
	Longitude      *float64  `json:"longitude,omitempty"`
	VisitedAt      time.Time `json:"visited_at"`
}

// RestaurantCrossing is one row of a pair's per-restaurant breakdown.
type RestaurantCrossing struct {
	RestaurantName string    `json:"restaurant_name"`
	CrossCount     uint32    `json:"cross_count"`
	LastCrossedAt  time.Time `json:"last_crossed_at"`
}

// Profile is the display subset of the other user's account.
type Profile struct {
	UserID             uint64 `json:"user_id"`
	DisplayName        string `json:"display_name"`
	PhotoURL           string `json:"photo_url,omitempty"`
	City               string `json:"city,omitempty"`
	DiningStyle        string `json:"dining_style,omitempty"`
	DietaryPreferences string `json:"dietary_preferences,omitempty"`
}

// CrossedPathView joins a summary with the other user's profile and the
// restaurant breakdown for presentation.
type CrossedPathView struct {
	SummaryID    uint64               `json:"summary_id"`
	OtherUser    Profile              `json:"other_user"`
	MatchedAt    time.Time            `json:"matched_at"`
	TotalCrosses uint32               `json:"total_crosses"`
	Locations    []string             `json:"locations"`
	Breakdown    []RestaurantCrossing `json:"breakdown"`
}

// Service implements the crossed-paths matching core: visit recording,
// co-location matching, aggregation, expiry and the presentation queries.
// All operations take the acting user ID explicitly; there is no ambient
// session state.
type Service struct {
	appCtx       *app.AppContext
	cfg          *config.Config
	visitRepo    *repository.VisitRepository
	crossingRepo *repository.CrossingRepository
	userRepo     *repository.UserRepository
	inviter      EventInviter
	now          func() time.Time
}

// NewService wires the crossings service from AppContext.
// Dependencies include:
//   - DB connection (via the visit/crossing/user repositories)
//   - RedisCache for counters, the sweep lock and the rematch queue
//   - an EventInviter collaborator for dinner invites
func NewService(appCtx *app.AppContext, cfg *config.Config, inviter EventInviter) *Service {
	return &Service{
		appCtx:       appCtx,
		cfg:          cfg,
		visitRepo:    repository.NewVisitRepository(appCtx.DB),
		crossingRepo: repository.NewCrossingRepository(appCtx.DB),
		userRepo:     repository.NewUserRepository(appCtx.DB),
		inviter:      inviter,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// expiryCutoff is the oldest last_crossed_at an active pair may have.
func (s *Service) expiryCutoff(now time.Time) time.Time {
	return now.Add(-s.cfg.Match.ExpiryWindow)
}

// RecordVisit validates and appends a visit, then runs the matcher for it.
//
// The matcher is best-effort from the caller's point of view: a matching or
// aggregation failure is logged and queued for retry, and never blocks the
// visit itself from being recorded.
func (s *Service) RecordVisit(ctx context.Context, userID uint64, ident RestaurantIdentity, visitedAt time.Time) (*db.Visit, error) {
	s.appCtx.Logger.Debug("RecordVisit called", "user", userID, "restaurant", ident.Name, "visited_at", visitedAt)

	if err := validateVisit(userID, ident, visitedAt, s.now().Add(s.cfg.Match.ClockSkewTolerance)); err != nil {
		return nil, err
	}

	visit := &db.Visit{
		UserID:         userID,
		RestaurantID:   ident.RestaurantID,
		RestaurantName: strings.TrimSpace(ident.Name),
		RestaurantKey:  repository.RestaurantKeyFor(ident.RestaurantID, ident.Name),
		Latitude:       ident.Latitude,
		Longitude:      ident.Longitude,
		VisitedAt:      visitedAt.UTC(),
	}
	if err := s.visitRepo.Create(ctx, visit); err != nil {
		s.appCtx.Logger.Error("visit insert failed", "user", userID, "err", err)
		return nil, svcErr.Transient(err)
	}

	if err := s.matchVisit(ctx, visit); err != nil {
		// at-least-once: the queue is the fast retry path; the unstamped
		// matched_at is the durable one the sweep falls back on
		s.appCtx.Logger.Error("matcher pass failed, queued for rematch", "visit", visit.ID, "err", err)
		if qErr := s.appCtx.RedisCache.EnqueuePendingMatch(ctx, visit.ID); qErr != nil {
			s.appCtx.Logger.Error("failed to enqueue rematch", "visit", visit.ID, "err", qErr)
		}
	} else if err := s.visitRepo.MarkMatched(ctx, visit.ID, s.now()); err != nil {
		s.appCtx.Logger.Warn("failed to stamp matched visit", "visit", visit.ID, "err", err)
	}

	return visit, nil
}

func validateVisit(userID uint64, ident RestaurantIdentity, visitedAt, maxFuture time.Time) error {
	if userID == 0 {
		return svcErr.InvalidVisit("user id is required")
	}
	if ident.RestaurantID == "" && strings.TrimSpace(ident.Name) == "" {
		return svcErr.InvalidVisit("restaurant name or reference is required")
	}
	if (ident.Latitude == nil) != (ident.Longitude == nil) {
		return svcErr.InvalidVisit("latitude and longitude must be provided together")
	}
	if ident.Latitude != nil {
		lat, lon := *ident.Latitude, *ident.Longitude
		if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
			return svcErr.InvalidVisit("coordinates must be finite")
		}
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return svcErr.InvalidVisit("coordinates out of range")
		}
	}
	if visitedAt.IsZero() {
		return svcErr.InvalidVisit("visit timestamp is required")
	}
	if visitedAt.After(maxFuture) {
		return svcErr.InvalidVisit("visit timestamp is in the future")
	}
	return nil
}

// matchVisit finds co-located visits for one visit and records the
// resulting crossings. The crossing time is the later of the two visits,
// the moment both users had been there.
func (s *Service) matchVisit(ctx context.Context, visit *db.Visit) error {
	candidates, err := s.visitRepo.FindCandidates(ctx, visit, s.cfg.Match.Window)
	if err != nil {
		return err
	}

	for _, cand := range candidates {
		crossedAt := visit.VisitedAt
		if cand.OtherVisit.VisitedAt.After(crossedAt) {
			crossedAt = cand.OtherVisit.VisitedAt
		}

		if err := s.crossingRepo.RecordCrossing(
			ctx,
			visit.UserID, cand.OtherUserID,
			visit.RestaurantKey, visit.RestaurantName,
			crossedAt,
		); err != nil {
			return err
		}

		_ = s.appCtx.RedisCache.InvalidateCrossedCount(ctx, visit.UserID, cand.OtherUserID)
		s.appCtx.Logger.Info("crossing recorded",
			"user_a", visit.UserID, "user_b", cand.OtherUserID,
			"restaurant", visit.RestaurantName, "crossed_at", crossedAt)
	}
	return nil
}

// ListVisits returns the user's visit history, most recent first.
func (s *Service) ListVisits(ctx context.Context, userID uint64, limit int) ([]VisitView, error) {
	s.appCtx.Logger.Debug("ListVisits called", "user", userID)

	if limit <= 0 || limit > 100 {
		limit = 50
	}

	visits, err := s.visitRepo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, svcErr.Transient(err)
	}

	views := make([]VisitView, 0, len(visits))
	for _, visit := range visits {
		views = append(views, VisitView{
			ID:             visit.ID,
			RestaurantName: visit.RestaurantName,
			Latitude:       visit.Latitude,
			Longitude:      visit.Longitude,
			VisitedAt:      visit.VisitedAt,
		})
	}
	return views, nil
}

// ListCrossedPaths returns the user's active crossed paths, newest match
// first, each joined with the other user's profile and the restaurant
// breakdown. A user without a profile gets an empty list, not an error.
func (s *Service) ListCrossedPaths(ctx context.Context, userID uint64, paginationToken *string, limit int) ([]CrossedPathView, *string, error) {
	s.appCtx.Logger.Debug("ListCrossedPaths called", "user", userID, "token", getString(paginationToken))

	if limit <= 0 {
		limit = 20
	}

	if _, err := s.userRepo.GetByID(ctx, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return []CrossedPathView{}, nil, nil
		}
		return nil, nil, svcErr.Transient(err)
	}

	cutoff := s.expiryCutoff(s.now())
	summaries, nextToken, err := s.crossingRepo.ListActive(ctx, userID, cutoff, paginationToken, limit)
	if err != nil {
		return nil, nil, err
	}
	if len(summaries) == 0 {
		return []CrossedPathView{}, nil, nil
	}

	otherIDs := make([]uint64, 0, len(summaries))
	pairs := make([][2]uint64, 0, len(summaries))
	for _, sum := range summaries {
		otherIDs = append(otherIDs, otherUserID(sum, userID))
		pairs = append(pairs, [2]uint64{sum.UserAID, sum.UserBID})
	}

	profiles, err := s.userRepo.GetByIDs(ctx, otherIDs)
	if err != nil {
		return nil, nil, svcErr.Transient(err)
	}
	logsByPair, err := s.crossingRepo.LogsForPairs(ctx, pairs)
	if err != nil {
		return nil, nil, svcErr.Transient(err)
	}

	views := make([]CrossedPathView, 0, len(summaries))
	for _, sum := range summaries {
		otherID := otherUserID(sum, userID)
		view := CrossedPathView{
			SummaryID:    sum.ID,
			OtherUser:    toProfile(otherID, profiles),
			MatchedAt:    sum.MatchedAt,
			TotalCrosses: sum.TotalCrosses,
			Locations:    sum.Locations,
		}
		for _, logRow := range logsByPair[[2]uint64{sum.UserAID, sum.UserBID}] {
			view.Breakdown = append(view.Breakdown, RestaurantCrossing{
				RestaurantName: logRow.RestaurantName,
				CrossCount:     logRow.CrossCount,
				LastCrossedAt:  logRow.LastCrossedAt,
			})
		}
		views = append(views, view)
	}

	return views, nextToken, nil
}

// CountCrossedPaths returns the user's active pair count.
// Cache-first strategy:
//  1. Attempts to read from Redis (crossings:count:userID).
//  2. On cache miss, falls back to DB.
//  3. On DB fetch, updates Redis with a 1h TTL.
func (s *Service) CountCrossedPaths(ctx context.Context, userID uint64) (int64, error) {
	s.appCtx.Logger.Debug("CountCrossedPaths called", "user", userID)

	if cached, ok, err := s.appCtx.RedisCache.GetCrossedCount(ctx, userID); err == nil && ok {
		return cached, nil
	}

	count, err := s.crossingRepo.CountActive(ctx, userID, s.expiryCutoff(s.now()))
	if err != nil {
		return 0, svcErr.Transient(err)
	}

	_ = s.appCtx.RedisCache.SetCrossedCount(ctx, userID, count)

	return count, nil
}

// InviteToDinner hands the pair over to the external event workflow.
// The inviter must belong to the pair and the pair must still be active.
func (s *Service) InviteToDinner(ctx context.Context, summaryID, inviterID uint64) error {
	s.appCtx.Logger.Debug("InviteToDinner called", "summary", summaryID, "inviter", inviterID)

	summary, err := s.crossingRepo.GetSummaryByID(ctx, summaryID, s.expiryCutoff(s.now()))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return svcErr.ErrNotFound
		}
		return svcErr.Transient(err)
	}
	if !summary.IsActive {
		return svcErr.ErrNotFound
	}

	var inviteeID uint64
	switch inviterID {
	case summary.UserAID:
		inviteeID = summary.UserBID
	case summary.UserBID:
		inviteeID = summary.UserAID
	default:
		return ErrNotPairMember
	}

	return s.inviter.CreateDinnerInvite(ctx, DinnerInvite{
		InviterID: inviterID,
		InviteeID: inviteeID,
		Locations: summary.Locations,
	})
}

// SweepExpired runs one expiry pass: drains the pending rematch queue, then
// deactivates pairs idle past the expiry window. A Redis lock keeps replicas
// from sweeping concurrently; a held lock is not an error, just a skip.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	acquired, err := s.appCtx.RedisCache.AcquireSweepLock(ctx, time.Minute)
	if err != nil {
		return 0, svcErr.Transient(err)
	}
	if !acquired {
		s.appCtx.Logger.Debug("sweep skipped, lock held elsewhere")
		return 0, nil
	}

	s.drainPendingMatches(ctx)
	s.rematchUnmatched(ctx)

	flipped, userIDs, err := s.crossingRepo.SweepExpired(ctx, s.expiryCutoff(s.now()))
	if err != nil {
		return 0, svcErr.Transient(err)
	}
	if flipped > 0 {
		_ = s.appCtx.RedisCache.InvalidateCrossedCount(ctx, userIDs...)
		s.appCtx.Logger.Info("expired pairs deactivated", "count", flipped)
	}
	return flipped, nil
}

// drainPendingMatches re-runs the matcher for visits whose original pass
// failed. A visit that fails again goes back on the queue for the next sweep.
func (s *Service) drainPendingMatches(ctx context.Context) {
	for i := 0; i < pendingDrainLimit; i++ {
		visitID, ok, err := s.appCtx.RedisCache.DequeuePendingMatch(ctx)
		if err != nil {
			s.appCtx.Logger.Error("pending rematch dequeue failed", "err", err)
			return
		}
		if !ok {
			return
		}

		visit, err := s.visitRepo.GetByID(ctx, visitID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			s.appCtx.Logger.Error("pending rematch load failed", "visit", visitID, "err", err)
			_ = s.appCtx.RedisCache.EnqueuePendingMatch(ctx, visitID)
			return
		}

		if err := s.matchVisit(ctx, visit); err != nil {
			s.appCtx.Logger.Error("pending rematch failed", "visit", visitID, "err", err)
			_ = s.appCtx.RedisCache.EnqueuePendingMatch(ctx, visitID)
			return
		}
		if err := s.visitRepo.MarkMatched(ctx, visit.ID, s.now()); err != nil {
			s.appCtx.Logger.Warn("failed to stamp rematched visit", "visit", visit.ID, "err", err)
		}
	}
}

// rematchUnmatched is the durable backstop behind the Redis queue: any visit
// whose matcher pass never completed is retried off the visits table, so a
// lost queue entry delays its rematch instead of dropping it.
func (s *Service) rematchUnmatched(ctx context.Context) {
	visits, err := s.visitRepo.ListUnmatched(ctx, s.now().Add(-rematchGrace), pendingDrainLimit)
	if err != nil {
		s.appCtx.Logger.Error("unmatched visit scan failed", "err", err)
		return
	}

	for _, visit := range visits {
		if err := s.matchVisit(ctx, &visit); err != nil {
			s.appCtx.Logger.Error("backstop rematch failed", "visit", visit.ID, "err", err)
			return
		}
		if err := s.visitRepo.MarkMatched(ctx, visit.ID, s.now()); err != nil {
			s.appCtx.Logger.Warn("failed to stamp rematched visit", "visit", visit.ID, "err", err)
			return
		}
	}
}

func otherUserID(sum db.CrossedPath, userID uint64) uint64 {
	if sum.UserAID == userID {
		return sum.UserBID
	}
	return sum.UserAID
}

func toProfile(userID uint64, profiles map[uint64]db.User) Profile {
	p := Profile{UserID: userID}
	if u, ok := profiles[userID]; ok {
		p.DisplayName = u.DisplayName
		p.PhotoURL = u.PhotoURL
		p.City = u.City
		p.DiningStyle = u.DiningStyle
		p.DietaryPreferences = u.DietaryPreferences
	}
	return p
}

func getString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
