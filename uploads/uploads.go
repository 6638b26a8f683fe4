package uploads

import (
	"os"

	"github.com/sirupsen/logrus"

	"slidesync-server/core"
	"slidesync-server/uploads/aws"
	"slidesync-server/uploads/filesystem"
)

func GetUploader() core.Uploader {
	uploadType := os.Getenv("UPLOAD_TYPE")
	var uploader core.Uploader

	uploadField := logrus.Fields{
		"uploadType": uploadType,
	}

	switch uploadType {
	case "s3":
		bucketName := os.Getenv("S3_BUCKET_NAME")
		if bucketName == "" {
			logrus.Fatal("S3_BUCKET_NAME environment variable must be set for s3 uploads")
		}
		uploadField["bucketName"] = bucketName
		uploader = aws.NewUploader(bucketName, os.Getenv("S3_PUBLIC_URL"))
	default:
		basePath := os.Getenv("LOCAL_UPLOAD_PATH")
		if basePath == "" {
			basePath = "./uploads"
		}
		uploadField["uploadType"] = "filesystem"
		uploadField["basePath"] = basePath
		uploader = filesystem.NewUploader(basePath)
	}
	logrus.WithFields(uploadField).Info("Use uploads")
	return uploader
}
