package emr

import (
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/emr"
	"github.com/aws/aws-sdk-go/service/emr/emriface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"go.uber.org/zap"
)

// config loads and stores the lazily-built AWS clients of the service.
type config struct {
	loadedMut sync.Mutex
	loaded    bool

	region    string
	log       *zap.SugaredLogger
	session   *session.Session
	emrClient emriface.EMRAPI
	s3Client  s3iface.S3API
}

func (c *config) ensureLoaded() error {
	c.loadedMut.Lock()
	defer c.loadedMut.Unlock()
	if c.loaded {
		return nil
	}

	if c.log == nil {
		l, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		c.log = l.Sugar().Named("emr")
	}

	if c.emrClient == nil || c.s3Client == nil {
		if c.session == nil {
			opts := session.Options{SharedConfigState: session.SharedConfigEnable}
			if c.region != "" {
				opts.Config.Region = aws.String(c.region)
			}
			sess, err := session.NewSessionWithOptions(opts)
			if err != nil {
				return fmt.Errorf("creating AWS Go SDK session: %w", err)
			}
			c.session = sess
		}
		if c.emrClient == nil {
			c.emrClient = emr.New(c.session)
		}
		if c.s3Client == nil {
			c.s3Client = s3.New(c.session)
		}
	}

	c.loaded = true
	return nil
}
