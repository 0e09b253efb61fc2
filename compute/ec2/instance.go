package ec2

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/ohsu-comp-bio/gfac/provider"
)

var errNotRunning = errors.New("instance not running")

func (b *Backend) provision(ctx context.Context, sessionID string) (string, error) {
	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(b.conf.ImageID),
		InstanceType: aws.String(b.conf.InstanceType),
		KeyName:      aws.String(b.conf.KeyName),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String(ec2.ResourceTypeInstance),
			Tags: []*ec2.Tag{
				{Key: aws.String("Name"), Value: aws.String("gfac-" + sessionID)},
				{Key: aws.String("gfac-session"), Value: aws.String(sessionID)},
			},
		}},
	}
	if b.conf.SecurityGroup != "" {
		in.SecurityGroups = []*string{aws.String(b.conf.SecurityGroup)}
	}

	out, err := b.api.RunInstancesWithContext(ctx, in)
	if err != nil {
		return "", provider.Fault(provider.RemoteConnectionError, fmt.Errorf("running instance: %w", err))
	}
	if len(out.Instances) != 1 {
		return "", provider.Faultf(provider.RemoteConnectionError, "expected 1 instance, got %d", len(out.Instances))
	}
	return aws.StringValue(out.Instances[0].InstanceId), nil
}

func (b *Backend) describe(ctx context.Context, id string) (*ec2.Instance, error) {
	out, err := b.api.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if isCode(err, "InvalidInstanceID.NotFound") || isCode(err, "InvalidInstanceID.Malformed") {
		return nil, provider.Fault(provider.InvalidRequest, err)
	}
	if err != nil {
		return nil, provider.Fault(provider.RemoteConnectionError, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.StringValue(inst.InstanceId) == id {
				return inst, nil
			}
		}
	}
	return nil, provider.Faultf(provider.InvalidRequest, "instance %s not found", id)
}

// waitRunning polls the instance at a fixed interval until it is running
// and has a public address, for at most the provision timeout.
func (b *Backend) waitRunning(ctx context.Context, id string) (*ec2.Instance, error) {
	r := b.retrier()
	r.ShouldRetry = func(err error) bool {
		return errors.Is(err, errNotRunning)
	}
	r.Notify = func(err error, d time.Duration) {
		b.log.Debug("waiting for instance", "instanceID", id, "next", d)
	}

	var inst *ec2.Instance
	err := r.Retry(ctx, func() error {
		var err error
		inst, err = b.describe(ctx, id)
		if err != nil {
			return err
		}
		state := stateOf(inst)
		switch state {
		case ec2.InstanceStateNameRunning:
			if publicAddress(inst) == "" {
				return errNotRunning
			}
			return nil
		case ec2.InstanceStateNamePending:
			return errNotRunning
		}
		return provider.Faultf(provider.InvalidRequest, "instance %s is %s", id, state)
	})
	if errors.Is(err, errNotRunning) {
		return nil, provider.Faultf(provider.Timeout, "instance %s not running after %s", id, r.MaxElapsedTime)
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// authorizeIngress opens the connection port in the instance's first
// security group. An existing rule is not an error.
func (b *Backend) authorizeIngress(ctx context.Context, inst *ec2.Instance) error {
	if len(inst.SecurityGroups) == 0 {
		return nil
	}
	group := inst.SecurityGroups[0].GroupId
	port := int64(b.port())

	_, err := b.api.AuthorizeSecurityGroupIngressWithContext(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: group,
		IpPermissions: []*ec2.IpPermission{{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int64(port),
			ToPort:     aws.Int64(port),
			IpRanges:   []*ec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
		}},
	})
	if isCode(err, "InvalidPermission.Duplicate") {
		return nil
	}
	if err != nil {
		return provider.Fault(provider.RemoteConnectionError,
			fmt.Errorf("authorizing ingress on %s: %w", aws.StringValue(group), err))
	}
	return nil
}

func (b *Backend) terminate(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_, err := b.api.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if err != nil {
		return fmt.Errorf("terminating instance %s: %w", id, err)
	}
	b.log.Info("terminated instance", "instanceID", id)
	return nil
}

func (b *Backend) port() int {
	if b.conf.Port == 0 {
		return 22
	}
	return b.conf.Port
}

func (b *Backend) address(inst *ec2.Instance) string {
	return net.JoinHostPort(publicAddress(inst), strconv.Itoa(b.port()))
}

func publicAddress(inst *ec2.Instance) string {
	if ip := aws.StringValue(inst.PublicIpAddress); ip != "" {
		return ip
	}
	return aws.StringValue(inst.PublicDnsName)
}

func stateOf(inst *ec2.Instance) string {
	if inst.State == nil {
		return ""
	}
	return aws.StringValue(inst.State.Name)
}
