package emr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/emr"
	"github.com/aws/aws-sdk-go/service/s3"
	clusteriface "github.com/guseggert/flowcluster/cluster"
	"github.com/guseggert/flowcluster/flow"
)

// Configuration keys of EMR clusters.
const (
	KeyRegion             = "cluster.emr.region"
	KeyReleaseLabel       = "cluster.emr.release.label"
	KeyApplications       = "cluster.emr.applications"
	KeyMasterInstanceType = "cluster.emr.master.instance.type"
	KeyCoreInstanceType   = "cluster.emr.core.instance.type"
	KeyCoreInstanceCount  = "cluster.emr.core.instance.count"
	KeySubnetID           = "cluster.emr.subnet.id"
	KeyKeyName            = "cluster.emr.key.name"
	KeyJobRole            = "cluster.emr.job.role"
	KeyServiceRole        = "cluster.emr.service.role"
	KeyLogURI             = "cluster.emr.log.uri"
	KeyTags               = "cluster.emr.tags"
	KeyAppConfigurationS3 = "cluster.emr.app.configuration.s3.path"
)

const (
	DefaultRegion       = "us-west-2"
	DefaultReleaseLabel = "emr-6.15.0"
	DefaultApplications = "Hadoop,Spark"
	DefaultInstanceType = "m5.xlarge"
	DefaultCoreCount    = 2
	DefaultJobRole      = "EMR_EC2_DefaultRole"
	DefaultServiceRole  = "EMR_DefaultRole"

	nameTagKey           = "flowcluster:name"
	maxCoreInstanceCount = 256
)

// buildRunJobFlowInput translates cluster configuration into an EMR create request.
// Malformed values are reported as *clusteriface.ConfigError.
func (s *Service) buildRunJobFlowInput(ctx context.Context, name string, props flow.Props) (*emr.RunJobFlowInput, error) {
	coreCount, err := intProp(props, KeyCoreInstanceCount, DefaultCoreCount)
	if err != nil {
		return nil, err
	}
	if coreCount < 0 || coreCount > maxCoreInstanceCount {
		return nil, &clusteriface.ConfigError{Key: KeyCoreInstanceCount, Value: props[KeyCoreInstanceCount], Reason: fmt.Sprintf("must be between 0 and %d", maxCoreInstanceCount)}
	}

	apps, err := listProp(props, KeyApplications, DefaultApplications)
	if err != nil {
		return nil, err
	}
	tags, err := parseTags(props.String(KeyTags, ""))
	if err != nil {
		return nil, err
	}
	tags = append(tags, &emr.Tag{Key: aws.String(nameTagKey), Value: aws.String(name)})

	instances := &emr.JobFlowInstancesConfig{
		KeepJobFlowAliveWhenNoSteps: aws.Bool(true),
		InstanceGroups: []*emr.InstanceGroupConfig{{
			Name:          aws.String("master"),
			InstanceRole:  aws.String(emr.InstanceRoleTypeMaster),
			InstanceType:  aws.String(props.String(KeyMasterInstanceType, DefaultInstanceType)),
			InstanceCount: aws.Int64(1),
			Market:        aws.String(emr.MarketTypeOnDemand),
		}},
	}
	if coreCount > 0 {
		instances.InstanceGroups = append(instances.InstanceGroups, &emr.InstanceGroupConfig{
			Name:          aws.String("core"),
			InstanceRole:  aws.String(emr.InstanceRoleTypeCore),
			InstanceType:  aws.String(props.String(KeyCoreInstanceType, DefaultInstanceType)),
			InstanceCount: aws.Int64(int64(coreCount)),
			Market:        aws.String(emr.MarketTypeOnDemand),
		})
	}
	if v := props.String(KeySubnetID, ""); v != "" {
		instances.Ec2SubnetId = aws.String(v)
	}
	if v := props.String(KeyKeyName, ""); v != "" {
		instances.Ec2KeyName = aws.String(v)
	}

	input := &emr.RunJobFlowInput{
		Name:              aws.String(name),
		ReleaseLabel:      aws.String(props.String(KeyReleaseLabel, DefaultReleaseLabel)),
		Instances:         instances,
		JobFlowRole:       aws.String(props.String(KeyJobRole, DefaultJobRole)),
		ServiceRole:       aws.String(props.String(KeyServiceRole, DefaultServiceRole)),
		VisibleToAllUsers: aws.Bool(true),
		Tags:              tags,
	}
	for _, a := range apps {
		input.Applications = append(input.Applications, &emr.Application{Name: aws.String(a)})
	}
	if v := props.String(KeyLogURI, ""); v != "" {
		input.LogUri = aws.String(v)
	}

	if path := props.String(KeyAppConfigurationS3, ""); path != "" {
		confs, err := s.fetchConfigurations(ctx, path)
		if err != nil {
			return nil, err
		}
		input.Configurations = confs
	}

	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", clusteriface.ErrInvalidConfiguration, err)
	}
	return input, nil
}

// fetchConfigurations loads a JSON list of EMR application configurations from an s3://bucket/key path.
func (s *Service) fetchConfigurations(ctx context.Context, path string) ([]*emr.Configuration, error) {
	bucket, key, err := parseS3Path(path)
	if err != nil {
		return nil, &clusteriface.ConfigError{Key: KeyAppConfigurationS3, Value: path, Reason: err.Error()}
	}
	out, err := s.config.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching app configuration from %s: %w", path, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading app configuration from %s: %w", path, err)
	}
	var confs []*emr.Configuration
	if err := json.Unmarshal(b, &confs); err != nil {
		return nil, &clusteriface.ConfigError{Key: KeyAppConfigurationS3, Value: path, Reason: fmt.Sprintf("decoding JSON: %s", err)}
	}
	return confs, nil
}

func parseS3Path(path string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(path, "s3://")
	if !ok {
		return "", "", fmt.Errorf("expected an s3://bucket/key path")
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("expected an s3://bucket/key path")
	}
	return bucket, key, nil
}

func intProp(props flow.Props, key string, def int) (int, error) {
	v, ok := props[key]
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, &clusteriface.ConfigError{Key: key, Value: v, Reason: "not an integer"}
	}
	return n, nil
}

func listProp(props flow.Props, key, def string) ([]string, error) {
	var out []string
	for _, v := range strings.Split(props.String(key, def), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil, &clusteriface.ConfigError{Key: key, Value: props[key], Reason: "must list at least one value"}
	}
	return out, nil
}

// parseTags parses "k=v,k=v".
func parseTags(s string) ([]*emr.Tag, error) {
	var tags []*emr.Tag
	for _, kv := range strings.Split(s, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, &clusteriface.ConfigError{Key: KeyTags, Value: s, Reason: fmt.Sprintf("tag %q is not key=value", kv)}
		}
		tags = append(tags, &emr.Tag{Key: aws.String(strings.TrimSpace(k)), Value: aws.String(strings.TrimSpace(v))})
	}
	return tags, nil
}
