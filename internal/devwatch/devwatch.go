// Copyright 2026 The AMC-Pico8 Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package devwatch waits for device nodes to appear and disappear, e.g. a
// /dev/uioN node created when the card is bound to uio_pci_generic.
package devwatch

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func newWatcher(file string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to create watcher for %s", file)
	}

	if err = watcher.Add(filepath.Dir(file)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "Failed to add %s to watcher", file)
	}

	return watcher, nil
}

func exists(file string) bool {
	_, err := os.Stat(file)
	return err == nil
}

// WaitForFile returns once file exists or ctx is done.
func WaitForFile(ctx context.Context, file string) error {
	if exists(file) {
		return nil
	}

	watcher, err := newWatcher(file)
	if err != nil {
		return err
	}
	defer watcher.Close()

	// The file may have appeared before the watch was set up.
	if exists(file) {
		return nil
	}

	klog.V(2).Infof("waiting for %s", file)

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.Errorf("watcher for %s closed", file)
			}

			if ev.Name == file && ev.Has(fsnotify.Create) {
				return nil
			}
		case err := <-watcher.Errors:
			return errors.WithStack(err)
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for %s", file)
		}
	}
}

// WatchRemoval returns nil once file is removed or renamed, or ctx.Err()
// when ctx is done first.
func WatchRemoval(ctx context.Context, file string) error {
	watcher, err := newWatcher(file)
	if err != nil {
		return err
	}
	defer watcher.Close()

	if !exists(file) {
		return nil
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.Errorf("watcher for %s closed", file)
			}

			if (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) && ev.Name == file {
				klog.V(2).Infof("%s removed", file)
				return nil
			}
		case err := <-watcher.Errors:
			return errors.WithStack(err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
