package service

import (
	"context"
	"fmt"
	"time"

	"ictaccess/internal/model"
	"ictaccess/internal/repository"

	"golang.org/x/sync/errgroup"
)

type StatisticsService interface {
	GetStatistics(ctx context.Context, startDate, endDate time.Time) (model.RequestStatistics, error)
}

type statisticsService struct {
	repo repository.StatisticsRepository
}

func NewStatisticsService(repo repository.StatisticsRepository) StatisticsService {
	return &statisticsService{repo: repo}
}

// GetStatistics aggregates request volume and SMS outcomes between startDate and
// endDate, plus the current approval backlog per stage.
func (s *statisticsService) GetStatistics(ctx context.Context, startDate, endDate time.Time) (model.RequestStatistics, error) {
	if endDate.Before(startDate) {
		return model.RequestStatistics{}, fmt.Errorf("%w: end_date before start_date", ErrInvalidInput)
	}

	var (
		counts  []model.RequestCount
		backlog []model.StageBacklog
		sms     []model.StatusCount
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		counts, err = s.repo.CountRequests(gctx, startDate, endDate)
		return err
	})
	g.Go(func() (err error) {
		backlog, err = s.repo.StageBacklog(gctx)
		return err
	})
	g.Go(func() (err error) {
		sms, err = s.repo.CountSMS(gctx, startDate, endDate)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.RequestStatistics{}, err
	}

	res := model.RequestStatistics{
		ByStatus:           make(map[string]int),
		ByType:             make(map[string]map[string]int),
		PendingByStage:     backlog,
		SMSByStatus:        make(map[string]int),
		TimeRangeStartDate: startDate,
		TimeRangeEndDate:   endDate,
	}
	if res.PendingByStage == nil {
		res.PendingByStage = []model.StageBacklog{}
	}
	for _, c := range counts {
		res.TotalRequests += c.Count
		res.ByStatus[c.Status] += c.Count
		if res.ByType[c.Type] == nil {
			res.ByType[c.Type] = make(map[string]int)
		}
		res.ByType[c.Type][c.Status] += c.Count
	}
	for _, c := range sms {
		res.SMSByStatus[c.Status] += c.Count
	}
	return res, nil
}
