// Package vault wraps the cold-storage vault results are archived into.
// Retrieval is asynchronous: a retrieval job is initiated, the vault notifies
// a callback topic when it finishes, and only then can its output be read.
package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/aws/smithy-go"
	"github.com/kiranshivaraju/gas/pkg/models"
)

var (
	// ErrInsufficientCapacity is returned when the requested retrieval tier
	// has no capacity left. It is the only error that triggers a fallback.
	ErrInsufficientCapacity = errors.New("insufficient retrieval capacity")
	ErrNotFound             = errors.New("vault resource not found")
)

type RetrievalStatus string

const (
	StatusInProgress RetrievalStatus = "InProgress"
	StatusSucceeded  RetrievalStatus = "Succeeded"
	StatusFailed     RetrievalStatus = "Failed"
)

// RetrievalRequest describes an archive retrieval to initiate.
type RetrievalRequest struct {
	ArchiveID     string
	Tier          models.ThawType
	CallbackTopic string
	Description   string
}

type Vault interface {
	Upload(ctx context.Context, description string, data []byte) (string, error)
	InitiateRetrieval(ctx context.Context, req RetrievalRequest) (string, error)
	DescribeRetrieval(ctx context.Context, jobID string) (RetrievalStatus, error)
	FetchRetrievalOutput(ctx context.Context, jobID string) ([]byte, error)
	DeleteArchive(ctx context.Context, archiveID string) error
}

// GlacierAPI is the subset of the Glacier client GlacierVault calls.
type GlacierAPI interface {
	UploadArchive(ctx context.Context, in *glacier.UploadArchiveInput, optFns ...func(*glacier.Options)) (*glacier.UploadArchiveOutput, error)
	InitiateJob(ctx context.Context, in *glacier.InitiateJobInput, optFns ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error)
	DescribeJob(ctx context.Context, in *glacier.DescribeJobInput, optFns ...func(*glacier.Options)) (*glacier.DescribeJobOutput, error)
	GetJobOutput(ctx context.Context, in *glacier.GetJobOutputInput, optFns ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error)
	DeleteArchive(ctx context.Context, in *glacier.DeleteArchiveInput, optFns ...func(*glacier.Options)) (*glacier.DeleteArchiveOutput, error)
}

// GlacierVault implements Vault on Amazon S3 Glacier.
type GlacierVault struct {
	api       GlacierAPI
	accountID string
	name      string
}

// New builds a GlacierVault from the default AWS credential chain.
func New(ctx context.Context, region, accountID, name string) (*GlacierVault, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewGlacierVault(glacier.NewFromConfig(cfg), accountID, name), nil
}

func NewGlacierVault(api GlacierAPI, accountID, name string) *GlacierVault {
	if accountID == "" {
		accountID = "-"
	}
	return &GlacierVault{api: api, accountID: accountID, name: name}
}

func (v *GlacierVault) Upload(ctx context.Context, description string, data []byte) (string, error) {
	out, err := v.api.UploadArchive(ctx, &glacier.UploadArchiveInput{
		AccountId:          aws.String(v.accountID),
		VaultName:          aws.String(v.name),
		ArchiveDescription: aws.String(description),
		Body:               bytes.NewReader(data),
	})
	if err != nil {
		return "", classify("upload archive", err)
	}
	return aws.ToString(out.ArchiveId), nil
}

func (v *GlacierVault) InitiateRetrieval(ctx context.Context, req RetrievalRequest) (string, error) {
	params := &types.JobParameters{
		Type:        aws.String("archive-retrieval"),
		ArchiveId:   aws.String(req.ArchiveID),
		Tier:        aws.String(string(req.Tier)),
		Description: aws.String(req.Description),
	}
	if req.CallbackTopic != "" {
		params.SNSTopic = aws.String(req.CallbackTopic)
	}
	out, err := v.api.InitiateJob(ctx, &glacier.InitiateJobInput{
		AccountId:     aws.String(v.accountID),
		VaultName:     aws.String(v.name),
		JobParameters: params,
	})
	if err != nil {
		return "", classify(fmt.Sprintf("initiate %s retrieval", req.Tier), err)
	}
	return aws.ToString(out.JobId), nil
}

func (v *GlacierVault) DescribeRetrieval(ctx context.Context, jobID string) (RetrievalStatus, error) {
	out, err := v.api.DescribeJob(ctx, &glacier.DescribeJobInput{
		AccountId: aws.String(v.accountID),
		VaultName: aws.String(v.name),
		JobId:     aws.String(jobID),
	})
	if err != nil {
		return "", classify("describe retrieval", err)
	}
	return RetrievalStatus(out.StatusCode), nil
}

func (v *GlacierVault) FetchRetrievalOutput(ctx context.Context, jobID string) ([]byte, error) {
	out, err := v.api.GetJobOutput(ctx, &glacier.GetJobOutputInput{
		AccountId: aws.String(v.accountID),
		VaultName: aws.String(v.name),
		JobId:     aws.String(jobID),
	})
	if err != nil {
		return nil, classify("get retrieval output", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read retrieval output: %w", err)
	}
	return data, nil
}

func (v *GlacierVault) DeleteArchive(ctx context.Context, archiveID string) error {
	_, err := v.api.DeleteArchive(ctx, &glacier.DeleteArchiveInput{
		AccountId: aws.String(v.accountID),
		VaultName: aws.String(v.name),
		ArchiveId: aws.String(archiveID),
	})
	if err != nil {
		return classify("delete archive", err)
	}
	return nil
}

// classify maps service errors onto the package sentinels. Anything not
// recognised is returned wrapped and treated as transient by callers.
func classify(op string, err error) error {
	var capacity *types.InsufficientCapacityException
	var notFound *types.ResourceNotFoundException
	switch {
	case errors.As(err, &capacity):
		return fmt.Errorf("%s: %w", op, ErrInsufficientCapacity)
	case errors.As(err, &notFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InsufficientCapacityException":
			return fmt.Errorf("%s: %w", op, ErrInsufficientCapacity)
		case "ResourceNotFoundException":
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
