package ec2

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"fwi-orchestrator/core/models"
	"fwi-orchestrator/core/site"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// Client runs simulation stages on EC2: one remote task = one tagged
// instance. The instance bootstraps the solver from its user data, pulls
// inputs from the blob store and writes results back before shutting down.
type Client struct {
	ec2Client    *ec2.Client
	region       string
	amiID        string
	instanceType string
}

// NewClient creates an EC2-backed site client
func NewClient(ctx context.Context, region, amiID, instanceType string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Client{
		ec2Client:    ec2.NewFromConfig(cfg),
		region:       region,
		amiID:        amiID,
		instanceType: instanceType,
	}, nil
}

// Submit launches one instance for the described stage and returns its
// instance ID as the remote handle
func (c *Client) Submit(ctx context.Context, desc models.StageDescriptor) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(c.amiID),
		InstanceType: types.InstanceType(c.instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(encodeUserData(desc)),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{
						Key:   aws.String("Name"),
						Value: aws.String(fmt.Sprintf("fwi-%s-%s", desc.Stage, desc.Event)),
					},
					{
						Key:   aws.String("ManagedBy"),
						Value: aws.String("fwi-orchestrator"),
					},
					{
						Key:   aws.String("fwi:iteration"),
						Value: aws.String(strconv.Itoa(desc.IterationID)),
					},
					{
						Key:   aws.String("fwi:stage"),
						Value: aws.String(string(desc.Stage)),
					},
					{
						Key:   aws.String("fwi:event"),
						Value: aws.String(desc.Event),
					},
				},
			},
		},
	}

	result, err := c.ec2Client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to submit %s for %s: %w", desc.Stage, desc.Event, err)
	}
	if len(result.Instances) == 0 {
		return "", fmt.Errorf("no instance launched for %s/%s", desc.Stage, desc.Event)
	}

	return *result.Instances[0].InstanceId, nil
}

// Status maps the instance lifecycle onto the remote job status contract.
// Query failures are transient: the caller must not count them as job
// failures.
func (c *Client) Status(ctx context.Context, handle string) (site.RemoteStatus, error) {
	out, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{handle},
	})
	if err != nil {
		if isNotFound(err) {
			return site.RemoteUnknown, nil
		}
		return site.RemoteUnknown, &site.TransientError{Op: "DescribeInstances", Err: err}
	}

	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			switch inst.State.Name {
			case types.InstanceStateNamePending:
				return site.RemotePending, nil
			case types.InstanceStateNameRunning:
				return site.RemoteRunning, nil
			case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated:
				// Self-terminating on success is the completion signal;
				// abnormal exits terminate too, so the caller verifies the
				// output object exists before trusting "finished".
				return site.RemoteFinished, nil
			case types.InstanceStateNameStopping, types.InstanceStateNameStopped:
				return site.RemoteFailed, nil
			}
		}
	}

	return site.RemoteUnknown, nil
}

// Cancel terminates the instance; idempotent on already-gone handles
func (c *Client) Cancel(ctx context.Context, handle string) error {
	_, err := c.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{handle},
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to cancel %s: %w", handle, err)
	}
	return nil
}

// List returns the live instance IDs tagged for an iteration
func (c *Client) List(ctx context.Context, iterationID int) ([]string, error) {
	out, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("tag:fwi:iteration"),
				Values: []string{strconv.Itoa(iterationID)},
			},
			{
				Name:   aws.String("tag:ManagedBy"),
				Values: []string{"fwi-orchestrator"},
			},
			{
				Name:   aws.String("instance-state-name"),
				Values: []string{"pending", "running"},
			},
		},
	})
	if err != nil {
		return nil, &site.TransientError{Op: "DescribeInstances", Err: err}
	}

	var handles []string
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			handles = append(handles, *inst.InstanceId)
		}
	}
	return handles, nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "InvalidInstanceID.NotFound")
}

// encodeUserData renders the bootstrap script that fetches inputs, runs the
// solver stage and uploads the result before self-terminating
func encodeUserData(desc models.StageDescriptor) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -e\n")
	fmt.Fprintf(&b, "export FWI_STAGE=%s\n", desc.Stage)
	fmt.Fprintf(&b, "export FWI_EVENT=%s\n", desc.Event)
	fmt.Fprintf(&b, "export FWI_ITERATION=%d\n", desc.IterationID)
	fmt.Fprintf(&b, "export FWI_MODEL_URI=%s\n", desc.ModelURI)
	fmt.Fprintf(&b, "export FWI_OUTPUT_URI=%s\n", desc.OutputURI)
	fmt.Fprintf(&b, "export FWI_RANKS=%d\n", desc.Ranks)
	for i, uri := range desc.InputURIs {
		fmt.Fprintf(&b, "export FWI_INPUT_%d=%s\n", i, uri)
	}
	b.WriteString("/opt/fwi/run-stage.sh\n")
	b.WriteString("shutdown -h now\n")
	return base64.StdEncoding.EncodeToString([]byte(b.String()))
}
