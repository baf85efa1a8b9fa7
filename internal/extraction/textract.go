package extraction

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/aws/smithy-go"
)

type textractAPI interface {
	StartDocumentTextDetection(ctx context.Context, in *textract.StartDocumentTextDetectionInput, optFns ...func(*textract.Options)) (*textract.StartDocumentTextDetectionOutput, error)
	GetDocumentTextDetection(ctx context.Context, in *textract.GetDocumentTextDetectionInput, optFns ...func(*textract.Options)) (*textract.GetDocumentTextDetectionOutput, error)
}

// 可重试的服务端错误码
var transientCodes = map[string]struct{}{
	"ThrottlingException":                    {},
	"ProvisionedThroughputExceededException": {},
	"InternalServerError":                    {},
	"LimitExceededException":                 {},
	"ServiceUnavailable":                     {},
	"RequestTimeout":                         {},
}

// TextractService runs asynchronous text detection on Amazon Textract.
// Textract deduplicates submissions by ClientRequestToken, so resubmitting a
// token returns the original JobId.
type TextractService struct {
	client textractAPI
}

func NewTextractService(client textractAPI) *TextractService {
	return &TextractService{client: client}
}

// NewTextractServiceFromConfig builds the SDK client. endpoint may be nil.
func NewTextractServiceFromConfig(awsCfg aws.Config, endpoint *string) *TextractService {
	return NewTextractService(textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		if endpoint != nil {
			o.BaseEndpoint = endpoint
		}
	}))
}

func (s *TextractService) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	in := &textract.StartDocumentTextDetectionInput{
		DocumentLocation: &types.DocumentLocation{
			S3Object: &types.S3Object{
				Bucket: aws.String(req.Document.Bucket),
				Name:   aws.String(req.Document.Key),
			},
		},
		ClientRequestToken: aws.String(req.IdempotencyToken),
		JobTag:             aws.String(req.JobTag),
	}
	if req.Callback != nil {
		in.NotificationChannel = &types.NotificationChannel{
			SNSTopicArn: aws.String(req.Callback.TopicARN),
			RoleArn:     aws.String(req.Callback.RoleARN),
		}
	}

	out, err := s.client.StartDocumentTextDetection(ctx, in)
	if err != nil {
		return "", classify("start text detection", err)
	}
	return aws.ToString(out.JobId), nil
}

func (s *TextractService) Status(ctx context.Context, externalID string) (StatusReport, error) {
	out, err := s.client.GetDocumentTextDetection(ctx, &textract.GetDocumentTextDetectionInput{
		JobId:      aws.String(externalID),
		MaxResults: aws.Int32(1),
	})
	if err != nil {
		return StatusReport{}, classify("get text detection status", err)
	}
	return StatusReport{
		State:   mapJobStatus(out.JobStatus),
		Message: aws.ToString(out.StatusMessage),
	}, nil
}

func (s *TextractService) Pages(ctx context.Context, externalID, continuation string) (Page, error) {
	in := &textract.GetDocumentTextDetectionInput{JobId: aws.String(externalID)}
	if continuation != "" {
		in.NextToken = aws.String(continuation)
	}

	out, err := s.client.GetDocumentTextDetection(ctx, in)
	if err != nil {
		return Page{}, classify("get text detection results", err)
	}

	page := Page{
		State:     mapJobStatus(out.JobStatus),
		Fragments: make([]Fragment, 0, len(out.Blocks)),
		NextToken: aws.ToString(out.NextToken),
	}
	for _, b := range out.Blocks {
		page.Fragments = append(page.Fragments, Fragment{
			Type:       string(b.BlockType),
			Text:       aws.ToString(b.Text),
			Page:       int(aws.ToInt32(b.Page)),
			Confidence: float64(aws.ToFloat32(b.Confidence)),
		})
	}
	return page, nil
}

// PARTIAL_SUCCESS 仍有可用文本，按成功处理
func mapJobStatus(s types.JobStatus) JobState {
	switch s {
	case types.JobStatusSucceeded, types.JobStatusPartialSuccess:
		return StateSucceeded
	case types.JobStatusFailed:
		return StateFailed
	default:
		return StateInProgress
	}
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := transientCodes[apiErr.ErrorCode()]; ok || apiErr.ErrorFault() == smithy.FaultServer {
			return Transient(fmt.Errorf("%s: %w", op, err))
		}
		return fmt.Errorf("%w: %s: %w", ErrExtractionRejected, op, err)
	}
	// 非 API 错误一般是网络问题
	return Transient(fmt.Errorf("%s: %w", op, err))
}
