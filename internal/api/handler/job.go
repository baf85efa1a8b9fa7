package handler

import (
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/resume_pipeline/config"
	"github.com/qs3c/resume_pipeline/internal/model"
	"github.com/qs3c/resume_pipeline/internal/model/dto"
	"github.com/qs3c/resume_pipeline/internal/pkg/logger"
	"github.com/qs3c/resume_pipeline/internal/pkg/response"
	"github.com/qs3c/resume_pipeline/internal/repository"
	"github.com/qs3c/resume_pipeline/internal/service"
)

type JobHandler struct {
	jobService *service.JobService
	poller     config.PollerConfig
}

func NewJobHandler(jobService *service.JobService, poller config.PollerConfig) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		poller:     poller,
	}
}

// Create 创建任务，返回两个文档的上传地址
// POST /api/v1/jobs
func (h *JobHandler) Create(c *gin.Context) {
	var req dto.CreateJobRequest
	// 允许空 body，使用默认文件名
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.ParamError(c, err.Error())
		return
	}

	resp, err := h.jobService.CreateJob(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, service.ErrUnknownFile) {
			response.ParamError(c, err.Error())
			return
		}
		logger.CtxError(c.Request.Context(), "failed to create job: %v", err)
		response.ServerError(c, "")
		return
	}

	response.SuccessWithMessage(c, "创建成功", resp)
}

// Submit 确认文档已上传，开始抽取
// POST /api/v1/jobs/:id/submit
func (h *JobHandler) Submit(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := h.jobService.SubmitJob(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, h.jobService.ToResponse(ctx, job))
}

// Get 查询任务状态，?wait=30s 时等待任务完成
// GET /api/v1/jobs/:id
func (h *JobHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("id")

	var query dto.GetJobQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	if query.Wait == "" {
		resp, err := h.jobService.GetJob(ctx, jobID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		response.Success(c, resp)
		return
	}

	wait, err := parseWait(query.Wait)
	if err != nil {
		response.ParamError(c, "无效的等待时间")
		return
	}
	if wait > h.poller.MaxWait {
		wait = h.poller.MaxWait
	}

	job, err := h.jobService.AwaitResult(ctx, jobID, wait, h.poller.PollInterval)
	var failed *service.JobFailedError
	switch {
	case err == nil:
		response.Success(c, h.jobService.ToResponse(ctx, job))
	case errors.As(err, &failed):
		response.ErrorWithData(c, response.CodeJobFailed, failed.Error(), h.jobService.ToResponse(ctx, job))
	case errors.Is(err, service.ErrTimedOut):
		response.ErrorWithData(c, response.CodeTimedOut, "", h.jobService.ToResponse(ctx, job))
	default:
		h.writeError(c, err)
	}
}

func (h *JobHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		response.NotFoundError(c, "任务不存在")
	case errors.Is(err, service.ErrNotUploaded):
		response.Error(c, response.CodeNotReady, err.Error())
	case errors.Is(err, repository.ErrConflict), errors.Is(err, model.ErrInvalidTransition):
		response.ConflictError(c, err.Error())
	default:
		logger.CtxError(logger.WithJob(c.Request.Context(), c.Param("id")), "request failed: %v", err)
		response.ServerError(c, "")
	}
}

// parseWait 支持 "30s" 形式的时长或纯秒数
func parseWait(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		if secs < 0 {
			return 0, errors.New("negative wait")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("negative wait")
	}
	return d, nil
}
