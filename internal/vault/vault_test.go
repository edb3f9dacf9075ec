package vault_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/aws/smithy-go"
	"github.com/kiranshivaraju/gas/internal/vault"
	"github.com/kiranshivaraju/gas/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGlacier struct {
	uploads   []*glacier.UploadArchiveInput
	initiated []*glacier.InitiateJobInput
	deleted   []string

	uploadErr   error
	initiateErr error
	status      types.StatusCode
	output      string
	deleteErr   error
}

func (f *fakeGlacier) UploadArchive(_ context.Context, in *glacier.UploadArchiveInput, _ ...func(*glacier.Options)) (*glacier.UploadArchiveOutput, error) {
	f.uploads = append(f.uploads, in)
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &glacier.UploadArchiveOutput{ArchiveId: aws.String("archive-1")}, nil
}

func (f *fakeGlacier) InitiateJob(_ context.Context, in *glacier.InitiateJobInput, _ ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error) {
	f.initiated = append(f.initiated, in)
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return &glacier.InitiateJobOutput{JobId: aws.String("retrieval-1")}, nil
}

func (f *fakeGlacier) DescribeJob(_ context.Context, in *glacier.DescribeJobInput, _ ...func(*glacier.Options)) (*glacier.DescribeJobOutput, error) {
	return &glacier.DescribeJobOutput{JobId: in.JobId, StatusCode: f.status}, nil
}

func (f *fakeGlacier) GetJobOutput(_ context.Context, _ *glacier.GetJobOutputInput, _ ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error) {
	return &glacier.GetJobOutputOutput{Body: io.NopCloser(strings.NewReader(f.output))}, nil
}

func (f *fakeGlacier) DeleteArchive(_ context.Context, in *glacier.DeleteArchiveInput, _ ...func(*glacier.Options)) (*glacier.DeleteArchiveOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, aws.ToString(in.ArchiveId))
	return &glacier.DeleteArchiveOutput{}, nil
}

func TestUpload(t *testing.T) {
	api := &fakeGlacier{}
	v := vault.NewGlacierVault(api, "", "ucmpcs")

	id, err := v.Upload(context.Background(), "job-1", []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, "archive-1", id)

	require.Len(t, api.uploads, 1)
	assert.Equal(t, "-", aws.ToString(api.uploads[0].AccountId))
	assert.Equal(t, "ucmpcs", aws.ToString(api.uploads[0].VaultName))
	assert.Equal(t, "job-1", aws.ToString(api.uploads[0].ArchiveDescription))
}

func TestInitiateRetrieval_Parameters(t *testing.T) {
	api := &fakeGlacier{}
	v := vault.NewGlacierVault(api, "-", "ucmpcs")

	id, err := v.InitiateRetrieval(context.Background(), vault.RetrievalRequest{
		ArchiveID:     "archive-1",
		Tier:          models.ThawTypeExpedited,
		CallbackTopic: "restore-topic",
		Description:   "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "retrieval-1", id)

	require.Len(t, api.initiated, 1)
	p := api.initiated[0].JobParameters
	assert.Equal(t, "archive-retrieval", aws.ToString(p.Type))
	assert.Equal(t, "archive-1", aws.ToString(p.ArchiveId))
	assert.Equal(t, "Expedited", aws.ToString(p.Tier))
	assert.Equal(t, "restore-topic", aws.ToString(p.SNSTopic))
	assert.Equal(t, "user-1", aws.ToString(p.Description))
}

type apiError struct{ code string }

func (e apiError) Error() string                 { return e.code }
func (e apiError) ErrorCode() string             { return e.code }
func (e apiError) ErrorMessage() string          { return e.code }
func (e apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

func TestInitiateRetrieval_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"typed capacity", &types.InsufficientCapacityException{Message: aws.String("no capacity")}, vault.ErrInsufficientCapacity},
		{"coded capacity", apiError{code: "InsufficientCapacityException"}, vault.ErrInsufficientCapacity},
		{"typed not found", &types.ResourceNotFoundException{Message: aws.String("gone")}, vault.ErrNotFound},
		{"coded not found", apiError{code: "ResourceNotFoundException"}, vault.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := vault.NewGlacierVault(&fakeGlacier{initiateErr: tt.err}, "-", "ucmpcs")
			_, err := v.InitiateRetrieval(context.Background(), vault.RetrievalRequest{
				ArchiveID: "a", Tier: models.ThawTypeExpedited,
			})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestInitiateRetrieval_OtherErrorsAreTransient(t *testing.T) {
	cause := errors.New("connection reset")
	v := vault.NewGlacierVault(&fakeGlacier{initiateErr: cause}, "-", "ucmpcs")

	_, err := v.InitiateRetrieval(context.Background(), vault.RetrievalRequest{ArchiveID: "a", Tier: models.ThawTypeStandard})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, vault.ErrInsufficientCapacity)
	assert.NotErrorIs(t, err, vault.ErrNotFound)
}

func TestDescribeAndFetch(t *testing.T) {
	api := &fakeGlacier{status: types.StatusCodeSucceeded, output: "restored bytes"}
	v := vault.NewGlacierVault(api, "-", "ucmpcs")
	ctx := context.Background()

	status, err := v.DescribeRetrieval(ctx, "retrieval-1")
	require.NoError(t, err)
	assert.Equal(t, vault.StatusSucceeded, status)

	data, err := v.FetchRetrievalOutput(ctx, "retrieval-1")
	require.NoError(t, err)
	assert.Equal(t, "restored bytes", string(data))

	require.NoError(t, v.DeleteArchive(ctx, "archive-1"))
	assert.Equal(t, []string{"archive-1"}, api.deleted)
}
