package db

var RunRetentionOnce = runRetentionOnce
