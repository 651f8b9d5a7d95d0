package launcher

// bootstrapTemplate is run by the bundled PHP. It picks an ephemeral port,
// starts the built-in server, waits for it to answer, opens the window and
// stops the server when the window closes.
const bootstrapTemplate = `<?php
// Generated by phpack. Starts {{.AppName}} {{.AppVersion}}.
$dir = __DIR__;
$cfg = json_decode(file_get_contents($dir . '/launcher.json'), true);
$php = PHP_BINARY;

$probe = stream_socket_server('tcp://127.0.0.1:0', $errno, $errstr);
if ($probe === false) {
    fwrite(STDERR, "no free port: $errstr\n");
    exit(1);
}
$name = stream_socket_get_name($probe, false);
fclose($probe);
$port = (int) substr($name, strrpos($name, ':') + 1);

$cmd = [$php, '-d', 'extension_dir=' . $dir . '/' . $cfg['extension_dir']];
if (is_file($dir . '/' . $cfg['php_ini'])) {
    $cmd[] = '-c';
    $cmd[] = $dir . '/' . $cfg['php_ini'];
}
array_push($cmd, '-S', '127.0.0.1:' . $port, '-t', $dir . '/' . $cfg['document_root']);
if (!empty($cfg['router'])) {
    $cmd[] = $dir . '/' . $cfg['router'];
}
$server = proc_open($cmd, [0 => ['pipe', 'r'], 1 => STDOUT, 2 => STDERR], $pipes, $dir . '/app');
if (!is_resource($server)) {
    fwrite(STDERR, "failed to start the PHP server\n");
    exit(1);
}

$deadline = microtime(true) + {{.StartupTimeout}};
while (true) {
    $conn = @fsockopen('127.0.0.1', $port, $errno, $errstr, 0.2);
    if ($conn !== false) {
        fclose($conn);
        break;
    }
    if (microtime(true) > $deadline || !proc_get_status($server)['running']) {
        fwrite(STDERR, "the PHP server did not start\n");
        proc_terminate($server);
        exit(1);
    }
    usleep(100000);
}

$url = 'http://127.0.0.1:' . $port . $cfg['entry_path'];
$window = $cfg['window'];
if (!empty($cfg['shell']) && is_file($dir . '/' . $cfg['shell'])) {
    $shell = [$dir . '/' . $cfg['shell'], '--url', $url, '--title', $cfg['app_name'],
        '--width', (string) $window['width'], '--height', (string) $window['height']];
    if (!empty($window['resizable'])) {
        $shell[] = '--resizable';
    }
    if (!empty($window['fullscreen'])) {
        $shell[] = '--fullscreen';
    }
    $ui = proc_open($shell, [], $uiPipes);
    if (is_resource($ui)) {
        proc_close($ui);
    }
} else {
    switch (PHP_OS_FAMILY) {
        case 'Windows':
            pclose(popen('start "" "' . $url . '"', 'r'));
            break;
        case 'Darwin':
            exec('open ' . escapeshellarg($url));
            break;
        default:
            exec('xdg-open ' . escapeshellarg($url) . ' >/dev/null 2>&1 &');
    }
    echo $cfg['app_name'] . " is running at $url\n";
    echo "Close this window or press Ctrl+C to quit.\n";
    while (proc_get_status($server)['running']) {
        sleep(1);
    }
}

proc_terminate($server);
proc_close($server);
`

const windowsCmdTemplate = "@echo off\r\n" +
	"setlocal\r\n" +
	"title {{.AppName}}\r\n" +
	"cd /d \"%~dp0\"\r\n" +
	"\"%~dp0{{winpath .PHPBinary}}\" -d \"extension_dir=%~dp0{{winpath .ExtensionDir}}\" -c \"%~dp0{{winpath .PHPIni}}\" \"%~dp0launcher.php\" %*\r\n"

const unixShellTemplate = `#!/bin/sh
# {{.AppName}} {{.AppVersion}}
DIR="$(cd "$(dirname "$0")"{{if .ResourcesDir}}/{{.ResourcesDir}}{{end}} && pwd)"
cd "$DIR" || exit 1
exec "$DIR/{{.PHPBinary}}" -d "extension_dir=$DIR/{{.ExtensionDir}}" -c "$DIR/{{.PHPIni}}" "$DIR/launcher.php" "$@"
`

const desktopEntryTemplate = `[Desktop Entry]
Type=Application
Name={{.AppName}}
Comment={{.AppDescription}}
Exec={{.Executable}}
{{if .Icon}}Icon={{.Icon}}
{{end}}Terminal=false
Categories=Utility;
`

const infoPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleName</key>
	<string>{{xml .AppName}}</string>
	<key>CFBundleDisplayName</key>
	<string>{{xml .AppName}}</string>
	<key>CFBundleIdentifier</key>
	<string>{{xml .BundleID}}</string>
	<key>CFBundleVersion</key>
	<string>{{xml .AppVersion}}</string>
	<key>CFBundleShortVersionString</key>
	<string>{{xml .AppVersion}}</string>
	<key>CFBundleExecutable</key>
	<string>{{xml .Executable}}</string>
	<key>CFBundlePackageType</key>
	<string>APPL</string>
{{- if .Icon}}
	<key>CFBundleIconFile</key>
	<string>{{xml .Icon}}</string>
{{- end}}
	<key>NSHighResolutionCapable</key>
	<true/>
</dict>
</plist>
`

const phpIniTemplate = `; Generated by phpack for {{.AppName}}
memory_limit = 256M
display_errors = Off
log_errors = On
{{range .Extensions}}extension={{.}}
{{end}}`

const runtimeSummaryTemplate = `[PHP Runtime Configuration]
version = {{.PHPVersion}}
app_name = {{.AppName}}
app_version = {{.AppVersion}}
platform = {{.Platform}}

[Extensions]
{{range .Extensions}}{{.}}
{{end}}`
