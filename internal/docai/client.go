package docai

import (
	"context"
	"fmt"

	documentai "google.golang.org/api/documentai/v1beta3"
	"google.golang.org/api/option"
)

// TrainingSplitRatio is the auto-split ratio applied when importing labeled
// documents into the processor dataset.
const TrainingSplitRatio = 0.8

// Client is the production Gateway over the Document AI v1beta3 API.
type Client struct {
	svc       *documentai.Service
	projectID string
	location  string
}

// NewClient creates a Gateway bound to one project and location. The
// regional endpoint is derived from the location.
func NewClient(ctx context.Context, projectID, location string) (*Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a Document AI client")
	}
	if location == "" {
		location = "us"
	}
	endpoint := fmt.Sprintf("https://%s-documentai.googleapis.com/", location)
	svc, err := documentai.NewService(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create Document AI service: %w", err)
	}
	return &Client{svc: svc, projectID: projectID, location: location}, nil
}

func (c *Client) processorPath(processorID string) string {
	return fmt.Sprintf("projects/%s/locations/%s/processors/%s", c.projectID, c.location, processorID)
}

func (c *Client) SubmitImport(ctx context.Context, processorID, gcsPrefix string) (string, error) {
	req := &documentai.GoogleCloudDocumentaiV1beta3ImportDocumentsRequest{
		BatchDocumentsImportConfigs: []*documentai.GoogleCloudDocumentaiV1beta3ImportDocumentsRequestBatchDocumentsImportConfig{
			{
				BatchInputConfig: &documentai.GoogleCloudDocumentaiV1beta3BatchDocumentsInputConfig{
					GcsPrefix: &documentai.GoogleCloudDocumentaiV1beta3GcsPrefix{
						GcsUriPrefix: gcsPrefix,
					},
				},
				AutoSplitConfig: &documentai.GoogleCloudDocumentaiV1beta3ImportDocumentsRequestBatchDocumentsImportConfigAutoSplitConfig{
					TrainingSplitRatio: TrainingSplitRatio,
				},
			},
		},
	}
	op, err := c.svc.Projects.Locations.Processors.Dataset.
		ImportDocuments(c.processorPath(processorID)+"/dataset", req).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("failed to submit dataset import for %s: %w", processorID, err)
	}
	return op.Name, nil
}

func (c *Client) SubmitTrain(ctx context.Context, processorID, displayName string) (string, error) {
	req := &documentai.GoogleCloudDocumentaiV1beta3TrainProcessorVersionRequest{
		ProcessorVersion: &documentai.GoogleCloudDocumentaiV1beta3ProcessorVersion{
			DisplayName: displayName,
		},
	}
	op, err := c.svc.Projects.Locations.Processors.ProcessorVersions.
		Train(c.processorPath(processorID), req).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("failed to submit training for %s: %w", processorID, err)
	}
	return op.Name, nil
}

func (c *Client) SubmitDeploy(ctx context.Context, versionName string) (string, error) {
	req := &documentai.GoogleCloudDocumentaiV1beta3DeployProcessorVersionRequest{}
	op, err := c.svc.Projects.Locations.Processors.ProcessorVersions.
		Deploy(versionName, req).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("failed to submit deployment of %s: %w", versionName, err)
	}
	return op.Name, nil
}

func (c *Client) PollStatus(ctx context.Context, operationRef string) (*OperationStatus, error) {
	op, err := c.svc.Projects.Locations.Operations.Get(operationRef).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to poll operation %s: %w", operationRef, err)
	}
	if !op.Done {
		return &OperationStatus{State: StatePending}, nil
	}
	if op.Error != nil {
		return &OperationStatus{
			State:   StateFailed,
			Message: fmt.Sprintf("operation error %d: %s", op.Error.Code, op.Error.Message),
		}, nil
	}
	return &OperationStatus{State: StateSucceeded}, nil
}

func (c *Client) LatestTrainedVersion(ctx context.Context, processorID string) (*Version, error) {
	resp, err := c.svc.Projects.Locations.Processors.ProcessorVersions.
		List(c.processorPath(processorID)).
		PageSize(50).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list versions for %s: %w", processorID, err)
	}

	var latest *documentai.GoogleCloudDocumentaiV1beta3ProcessorVersion
	for _, v := range resp.ProcessorVersions {
		if !versionTrained(v.State) {
			continue
		}
		// CreateTime is RFC 3339, so lexical comparison orders correctly.
		if latest == nil || v.CreateTime > latest.CreateTime {
			latest = v
		}
	}
	if latest == nil {
		return nil, nil
	}

	out := &Version{
		Name:        latest.Name,
		DisplayName: latest.DisplayName,
		State:       latest.State,
	}
	if latest.LatestEvaluation != nil && latest.LatestEvaluation.AggregateMetrics != nil {
		out.F1 = latest.LatestEvaluation.AggregateMetrics.F1Score
	}
	return out, nil
}

func versionTrained(state string) bool {
	switch state {
	case "DEPLOYED", "UNDEPLOYED", "DEPLOYING", "UNDEPLOYING":
		return true
	}
	return false
}
